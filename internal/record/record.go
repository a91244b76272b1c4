// Package record defines the canonical student/session record and the pure
// functions that coerce loosely shaped input into it.
//
// Records arrive from three places: manual entry in the UI, bulk paste from a
// spreadsheet, and pulls from the remote GAS endpoint. None of them agree on
// shape (a class list may be an array, a comma separated string, or missing
// entirely), so every record is passed through Normalize before it is stored
// or compared. Normalize never fails; malformed fields fall back to defaults.
package record

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Status is the attendance state of a record for the current day.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusAttendance Status = "attendance"
	StatusLate       Status = "late"
	StatusAbsent     Status = "absent"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusAttendance, StatusLate, StatusAbsent:
		return true
	}
	return false
}

const (
	// DefaultDepartment is the "unclassified" department sentinel.
	DefaultDepartment = "기타"

	// DefaultClass is assigned to manually created records without a class.
	DefaultClass = "Unassigned"

	// CheckNone is the neutral value of a completion mark.
	CheckNone = "none"
)

// Checks holds the per-category completion marks of a record.
//
// Each category is a flat string map so that sub-keys the UI adds later
// survive a round trip through the store.
type Checks struct {
	Basic            map[string]string `json:"basic"`
	Homework         map[string]string `json:"homework"`
	Review           map[string]string `json:"review"`
	NextHomework     map[string]string `json:"nextHomework"`
	Memos            map[string]string `json:"memos"`
	HomeworkResult   string            `json:"homeworkResult"`
	SummaryConfirmed bool              `json:"summaryConfirmed"`
}

// Category returns the mark map for a named category, or nil if the name is
// not a category.
func (c *Checks) Category(name string) map[string]string {
	switch name {
	case "basic":
		return c.Basic
	case "homework":
		return c.Homework
	case "review":
		return c.Review
	case "nextHomework":
		return c.NextHomework
	case "memos":
		return c.Memos
	}
	return nil
}

// Record is a fully shaped student/session entity.
type Record struct {
	ID           string `json:"id"`
	StudentID    string `json:"studentId,omitempty"`
	Name         string `json:"name"`
	LastEditedBy string `json:"lastEditedBy,omitempty"`

	Department string `json:"department"`
	SchoolName string `json:"schoolName"`
	Grade      string `json:"grade"`

	Classes        []string `json:"classes"`
	AttendanceDays []string `json:"attendanceDays"`
	SpecialDays    []string `json:"specialDays"`
	ExtraDays      []string `json:"extraDays"`
	ParentPhones   []string `json:"parentPhones"`
	StudentPhones  []string `json:"studentPhones"`

	AttendanceTime string `json:"attendanceTime"`
	SpecialTime    string `json:"specialTime"`
	StartDate      string `json:"startDate"`
	EndDate        string `json:"endDate"`

	Status       Status `json:"status"`
	BacklogCount int    `json:"backlogCount"`
	Checks       Checks `json:"checks"`

	// UpdatedAt is an RFC3339 timestamp used to break dedupe ties.
	UpdatedAt string `json:"updatedAt,omitempty"`

	DedupeKey string `json:"_dedupeKey"`

	// Extra keeps fields this package does not model so that they are
	// re-emitted unchanged.
	Extra map[string]json.RawMessage `json:"-"`
}

// knownFields lists the JSON names owned by Record. Anything else on a raw
// record is carried in Extra.
var knownFields = map[string]bool{
	"id": true, "studentId": true, "name": true, "lastEditedBy": true,
	"department": true, "schoolName": true, "grade": true,
	"classes": true, "attendanceDays": true, "specialDays": true, "extraDays": true,
	"parentPhones": true, "studentPhones": true,
	"attendanceTime": true, "specialTime": true, "startDate": true, "endDate": true,
	"status": true, "backlogCount": true, "checks": true,
	"updatedAt": true, "_dedupeKey": true,
}

type recordAlias Record

// MarshalJSON emits the modelled fields merged with Extra. Keys come out
// sorted, which makes the encoding stable enough to hash.
func (r Record) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(recordAlias(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return base, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(base, &fields); err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		if knownFields[k] {
			continue
		}
		fields[k] = v
	}
	return json.Marshal(fields)
}

// UnmarshalJSON decodes raw JSON and normalizes it, so a Record decoded from
// any source is always fully shaped.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode record: %w", err)
	}
	*r = Normalize(raw)
	return nil
}

// ExtraKeys returns the sorted names of the unmodelled fields.
func (r Record) ExtraKeys() []string {
	keys := make([]string, 0, len(r.Extra))
	for k := range r.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	out := r
	out.Classes = cloneStrings(r.Classes)
	out.AttendanceDays = cloneStrings(r.AttendanceDays)
	out.SpecialDays = cloneStrings(r.SpecialDays)
	out.ExtraDays = cloneStrings(r.ExtraDays)
	out.ParentPhones = cloneStrings(r.ParentPhones)
	out.StudentPhones = cloneStrings(r.StudentPhones)
	out.Checks = Checks{
		Basic:            cloneMap(r.Checks.Basic),
		Homework:         cloneMap(r.Checks.Homework),
		Review:           cloneMap(r.Checks.Review),
		NextHomework:     cloneMap(r.Checks.NextHomework),
		Memos:            cloneMap(r.Checks.Memos),
		HomeworkResult:   r.Checks.HomeworkResult,
		SummaryConfirmed: r.Checks.SummaryConfirmed,
	}
	if r.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(r.Extra))
		for k, v := range r.Extra {
			out.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

// FirstClass returns the first class or "".
func (r Record) FirstClass() string {
	if len(r.Classes) == 0 {
		return ""
	}
	return r.Classes[0]
}

func cloneStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
