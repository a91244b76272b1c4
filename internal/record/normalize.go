package record

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	listSeparators = regexp.MustCompile(`[,/\s]+`)
	listStripper   = strings.NewReplacer(`'`, "", `"`, "", "[", "", "]", "")
)

// Normalize coerces a loosely shaped raw record into a Record.
//
// Array fields accept a sequence, a delimited string, or nothing. Scalar
// fields default to "" (department defaults to DefaultDepartment). Checks are
// merged over the full template. The dedupe key is recomputed every time.
func Normalize(raw map[string]any) Record {
	if raw == nil {
		raw = map[string]any{}
	}

	r := Record{
		ID:           scalar(raw["id"]),
		StudentID:    scalar(raw["studentId"]),
		Name:         scalar(raw["name"]),
		LastEditedBy: scalar(raw["lastEditedBy"]),

		Department: orDefault(scalar(raw["department"]), DefaultDepartment),
		SchoolName: scalar(raw["schoolName"]),
		Grade:      scalar(raw["grade"]),

		Classes:        ToList(raw["classes"]),
		AttendanceDays: ToList(raw["attendanceDays"]),
		SpecialDays:    ToList(raw["specialDays"]),
		ExtraDays:      ToList(raw["extraDays"]),
		ParentPhones:   ToList(raw["parentPhones"]),
		StudentPhones:  ToList(raw["studentPhones"]),

		AttendanceTime: scalar(raw["attendanceTime"]),
		SpecialTime:    scalar(raw["specialTime"]),
		StartDate:      scalar(raw["startDate"]),
		EndDate:        scalar(raw["endDate"]),

		Status:       Status(scalar(raw["status"])),
		BacklogCount: integer(raw["backlogCount"]),
		Checks:       NormalizeChecks(asMap(raw["checks"])),
		UpdatedAt:    scalar(raw["updatedAt"]),
	}
	if !r.Status.Valid() {
		r.Status = StatusWaiting
	}
	r.DedupeKey = DedupeKey(r.Name, r.Classes)

	for k, v := range raw {
		if knownFields[k] {
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			continue
		}
		if r.Extra == nil {
			r.Extra = make(map[string]json.RawMessage)
		}
		r.Extra[k] = data
	}
	return r
}

// NormalizeRecord re-normalizes an already typed record. The result is equal
// to r whenever r itself came out of Normalize.
func NormalizeRecord(r Record) Record {
	data, err := json.Marshal(r)
	if err != nil {
		return r
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return r
	}
	return Normalize(raw)
}

// NormalizeAll normalizes each raw record in order.
func NormalizeAll(raws []map[string]any) []Record {
	out := make([]Record, 0, len(raws))
	for _, raw := range raws {
		out = append(out, Normalize(raw))
	}
	return out
}

// Parse decodes a JSON array of raw records and normalizes each element.
// Elements that are not objects normalize to a default record.
func Parse(data []byte) ([]Record, error) {
	var raws []any
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("failed to parse records: %w", err)
	}
	out := make([]Record, 0, len(raws))
	for _, raw := range raws {
		out = append(out, Normalize(asMap(raw)))
	}
	return out, nil
}

// DedupeKey builds the merge key "trim(name)_firstClass". Case is preserved,
// so "Kim" and "kim" are different entities.
func DedupeKey(name string, classes []string) string {
	first := ""
	if len(classes) > 0 {
		first = classes[0]
	}
	return strings.TrimSpace(name) + "_" + first
}

// NormalizeChecks merges a partial checks object over the canonical template.
func NormalizeChecks(in map[string]any) Checks {
	c := Checks{
		Basic:          template(CheckNone, "voca", "idiom", "step3", "isc"),
		Homework:       template(CheckNone, "reading", "grammar", "practice", "listening", "etc"),
		Review:         template(CheckNone, "reading", "grammar", "practice", "listening"),
		NextHomework:   template("", "reading", "grammar", "practice", "listening", "extra"),
		Memos:          template("", "toDesk", "fromDesk", "toParent"),
		HomeworkResult: CheckNone,
	}
	if in == nil {
		return c
	}
	overlay(c.Basic, in["basic"])
	overlay(c.Homework, in["homework"])
	overlay(c.Review, in["review"])
	overlay(c.NextHomework, in["nextHomework"])
	overlay(c.Memos, in["memos"])
	if v, ok := in["homeworkResult"]; ok && v != nil {
		c.HomeworkResult = scalar(v)
	}
	c.SummaryConfirmed = boolean(in["summaryConfirmed"])
	return c
}

// ToList coerces a field into a list of clean tokens.
//
// A sequence is flattened one level; every string is split on commas,
// slashes and whitespace. Quotes and brackets are removed from each token and
// empty tokens are dropped. Anything that is not a string or a sequence
// yields an empty, non-nil list.
func ToList(v any) []string {
	out := []string{}
	switch val := v.(type) {
	case string:
		out = appendTokens(out, val)
	case []string:
		for _, s := range val {
			out = appendTokens(out, s)
		}
	case []any:
		for _, elem := range val {
			if inner, ok := elem.([]any); ok {
				for _, e := range inner {
					out = appendElement(out, e)
				}
				continue
			}
			out = appendElement(out, elem)
		}
	}
	return out
}

func appendElement(out []string, v any) []string {
	switch e := v.(type) {
	case string:
		return appendTokens(out, e)
	case float64, int, int64, json.Number:
		if s := scalar(e); s != "" && s != "0" {
			return append(out, s)
		}
	case bool:
		if e {
			return append(out, "true")
		}
	}
	return out
}

func appendTokens(out []string, s string) []string {
	for _, part := range listSeparators.Split(s, -1) {
		token := listStripper.Replace(strings.TrimSpace(part))
		if token == "" {
			continue
		}
		out = append(out, token)
	}
	return out
}

func template(value string, keys ...string) map[string]string {
	m := make(map[string]string, len(keys))
	for _, k := range keys {
		m[k] = value
	}
	return m
}

func overlay(dst map[string]string, src any) {
	m := asMap(src)
	for k, v := range m {
		if v == nil {
			continue
		}
		dst[k] = scalar(v)
	}
}

func asMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out
	}
	return nil
}

// scalar stringifies a JSON scalar. Falsy values become "".
func scalar(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		if s == 0 {
			return ""
		}
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		if s == 0 {
			return ""
		}
		return strconv.Itoa(s)
	case int64:
		if s == 0 {
			return ""
		}
		return strconv.FormatInt(s, 10)
	case json.Number:
		return s.String()
	case bool:
		if s {
			return "true"
		}
		return ""
	}
	return ""
}

func integer(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0
		}
		return int(i)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0
		}
		return i
	}
	return 0
}

func boolean(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "true"
	}
	return false
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
