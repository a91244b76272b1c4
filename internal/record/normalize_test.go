package record

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestToList(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want []string
	}{
		{name: "nil", in: nil, want: []string{}},
		{name: "comma string", in: "A,B", want: []string{"A", "B"}},
		{name: "mixed separators", in: "월, 수/금  토", want: []string{"월", "수", "금", "토"}},
		{name: "quoted brackets", in: `["월", "수"]`, want: []string{"월", "수"}},
		{name: "array", in: []any{"A", "B"}, want: []string{"A", "B"}},
		{name: "array with delimited element", in: []any{"A,B", "C"}, want: []string{"A", "B", "C"}},
		{name: "nested array flattened once", in: []any{[]any{"A"}, "B"}, want: []string{"A", "B"}},
		{name: "numbers", in: []any{float64(1), float64(0), "2"}, want: []string{"1", "2"}},
		{name: "empty tokens dropped", in: " , ,A, ", want: []string{"A"}},
		{name: "object", in: map[string]any{"a": "b"}, want: []string{}},
		{name: "number scalar", in: float64(3), want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToList(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ToList(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalize_Defaults(t *testing.T) {
	r := Normalize(map[string]any{"id": "1", "name": "Kim"})

	if r.Department != DefaultDepartment {
		t.Errorf("Department = %q, want %q", r.Department, DefaultDepartment)
	}
	if r.Status != StatusWaiting {
		t.Errorf("Status = %q, want waiting", r.Status)
	}
	for name, list := range map[string][]string{
		"classes":        r.Classes,
		"attendanceDays": r.AttendanceDays,
		"specialDays":    r.SpecialDays,
		"extraDays":      r.ExtraDays,
		"parentPhones":   r.ParentPhones,
		"studentPhones":  r.StudentPhones,
	} {
		if list == nil || len(list) != 0 {
			t.Errorf("%s = %#v, want empty non-nil list", name, list)
		}
	}
	if r.Checks.Basic["voca"] != CheckNone {
		t.Errorf("Checks.Basic[voca] = %q, want none", r.Checks.Basic["voca"])
	}
	if v, ok := r.Checks.NextHomework["extra"]; !ok || v != "" {
		t.Errorf("Checks.NextHomework[extra] = %q, %v", v, ok)
	}
	if r.Checks.HomeworkResult != CheckNone {
		t.Errorf("HomeworkResult = %q, want none", r.Checks.HomeworkResult)
	}
	if r.DedupeKey != "Kim_" {
		t.Errorf("DedupeKey = %q, want Kim_", r.DedupeKey)
	}
}

func TestNormalize_LegacyShape(t *testing.T) {
	r := Normalize(map[string]any{"name": "Kim", "classes": "A,B"})

	if !reflect.DeepEqual(r.Classes, []string{"A", "B"}) {
		t.Errorf("Classes = %q", r.Classes)
	}
	if r.DedupeKey != "Kim_A" {
		t.Errorf("DedupeKey = %q, want Kim_A", r.DedupeKey)
	}
}

func TestNormalize_InvalidStatus(t *testing.T) {
	for _, s := range []any{"", "gone", float64(3), nil} {
		r := Normalize(map[string]any{"status": s})
		if r.Status != StatusWaiting {
			t.Errorf("status %v normalized to %q, want waiting", s, r.Status)
		}
	}
	r := Normalize(map[string]any{"status": "late"})
	if r.Status != StatusLate {
		t.Errorf("Status = %q, want late", r.Status)
	}
}

func TestNormalize_ChecksMerge(t *testing.T) {
	r := Normalize(map[string]any{
		"checks": map[string]any{
			"basic":            map[string]any{"voca": "done", "custom": "x"},
			"homeworkResult":   "good",
			"summaryConfirmed": true,
		},
	})

	if r.Checks.Basic["voca"] != "done" {
		t.Errorf("voca = %q, want done", r.Checks.Basic["voca"])
	}
	if r.Checks.Basic["idiom"] != CheckNone {
		t.Errorf("idiom = %q, want none", r.Checks.Basic["idiom"])
	}
	if r.Checks.Basic["custom"] != "x" {
		t.Errorf("unknown sub-key lost: %v", r.Checks.Basic)
	}
	if r.Checks.HomeworkResult != "good" || !r.Checks.SummaryConfirmed {
		t.Errorf("checks scalars = %q %v", r.Checks.HomeworkResult, r.Checks.SummaryConfirmed)
	}
}

func TestNormalize_StringifiesScalars(t *testing.T) {
	r := Normalize(map[string]any{"grade": float64(3), "name": "  Lee  "})
	if r.Grade != "3" {
		t.Errorf("Grade = %q, want 3", r.Grade)
	}
	if r.DedupeKey != "Lee_" {
		t.Errorf("DedupeKey = %q, want Lee_", r.DedupeKey)
	}
}

func TestNormalize_PreservesExtra(t *testing.T) {
	r := Normalize(map[string]any{"id": "1", "memoColor": "red"})

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if out["memoColor"] != "red" {
		t.Errorf("memoColor = %v, want red", out["memoColor"])
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	raws := []map[string]any{
		{},
		{"name": "Kim", "classes": "A,B", "department": "", "status": "bogus"},
		{
			"id":             "s1",
			"name":           "Park",
			"classes":        []any{"M1", "M2"},
			"attendanceDays": `["월","수"]`,
			"backlogCount":   "2",
			"grade":          float64(2),
			"checks":         map[string]any{"memos": map[string]any{"toDesk": "hi"}},
			"updatedAt":      "2024-03-01T10:00:00Z",
			"color":          map[string]any{"a": float64(1)},
		},
	}

	for i, raw := range raws {
		once := Normalize(raw)
		twice := NormalizeRecord(once)
		if !reflect.DeepEqual(once, twice) {
			t.Errorf("case %d: normalize not idempotent\nonce:  %+v\ntwice: %+v", i, once, twice)
		}
		if ContentHash(once) != ContentHash(twice) {
			t.Errorf("case %d: content hash changed on re-normalize", i)
		}
	}
}

func TestRecord_UnmarshalNormalizes(t *testing.T) {
	var r Record
	if err := json.Unmarshal([]byte(`{"name":"Kim","classes":"A"}`), &r); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if r.DedupeKey != "Kim_A" || r.Status != StatusWaiting {
		t.Errorf("record not normalized: %+v", r)
	}
}

func TestParse(t *testing.T) {
	rs, err := Parse([]byte(`[{"name":"Kim"},{"name":"Lee","classes":["B"]}]`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(rs) != 2 || rs[1].DedupeKey != "Lee_B" {
		t.Errorf("Parse = %+v", rs)
	}

	if _, err := Parse([]byte(`{"not":"array"}`)); err == nil {
		t.Error("Parse of object should fail")
	}
}
