package record

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestDeduplicate(t *testing.T) {
	in := []Record{
		Normalize(map[string]any{"id": "1", "name": "Kim", "classes": "A", "updatedAt": "2024-01-01T00:00:00Z"}),
		Normalize(map[string]any{"id": "2", "name": "Lee", "classes": "B"}),
		Normalize(map[string]any{"id": "3", "name": "Kim ", "classes": "A", "updatedAt": "2024-02-01T00:00:00Z"}),
		Normalize(map[string]any{"id": "4", "name": "kim", "classes": "A"}),
		Normalize(map[string]any{"id": "5", "name": "Lee", "classes": "B"}),
	}

	got := Deduplicate(in)

	var ids []string
	for _, r := range got {
		ids = append(ids, r.ID)
	}
	want := []string{"3", "2", "4"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("Deduplicate ids = %v, want %v", ids, want)
	}
}

func TestDeduplicate_DistinctKeys(t *testing.T) {
	in := []Record{
		Normalize(map[string]any{"id": "1", "name": "A"}),
		Normalize(map[string]any{"id": "2", "name": "B"}),
	}
	if got := Deduplicate(in); len(got) != 2 {
		t.Errorf("Deduplicate dropped distinct records: %d", len(got))
	}
}

func TestMergeInto(t *testing.T) {
	existing := Normalize(map[string]any{
		"id": "old", "name": "Kim", "classes": "A", "department": "영어",
		"attendanceDays": "월,수", "status": "attendance", "schoolName": "Alpha",
	})
	incoming := Normalize(map[string]any{
		"id": "new", "name": "Kim", "classes": "A,B", "department": DefaultDepartment,
		"attendanceDays": "수,금", "grade": "중2",
	})

	got := MergeInto(existing, incoming)

	if got.ID != "old" {
		t.Errorf("ID = %q, want old", got.ID)
	}
	if got.Status != StatusAttendance {
		t.Errorf("Status = %q, want attendance", got.Status)
	}
	if got.Department != "영어" {
		t.Errorf("Department = %q, want 영어", got.Department)
	}
	if got.SchoolName != "Alpha" || got.Grade != "중2" {
		t.Errorf("school/grade = %q/%q", got.SchoolName, got.Grade)
	}
	if !reflect.DeepEqual(got.AttendanceDays, []string{"월", "수", "금"}) {
		t.Errorf("AttendanceDays = %q", got.AttendanceDays)
	}
	if !reflect.DeepEqual(got.Classes, []string{"A", "B"}) {
		t.Errorf("Classes = %q", got.Classes)
	}
}

func TestMergeSchedule(t *testing.T) {
	existing := Normalize(map[string]any{"id": "keep", "name": "Kim", "classes": "A", "specialDays": "토"})
	incoming := Normalize(map[string]any{"id": "tmp", "name": "Kim", "classes": "A", "specialDays": "일", "schoolName": "Beta"})

	got := MergeSchedule(existing, incoming)
	if got.ID != "keep" {
		t.Errorf("ID = %q, want keep", got.ID)
	}
	if !reflect.DeepEqual(got.SpecialDays, []string{"토", "일"}) {
		t.Errorf("SpecialDays = %q", got.SpecialDays)
	}
	if got.SchoolName != "Beta" {
		t.Errorf("SchoolName = %q, want Beta", got.SchoolName)
	}
	if !ScheduleChanged(existing, got) {
		t.Error("ScheduleChanged = false, want true")
	}
}

func TestToggleStatus(t *testing.T) {
	r := Normalize(map[string]any{"id": "1"})

	r = ToggleStatus(r, StatusAttendance)
	if r.Status != StatusAttendance || !r.Checks.SummaryConfirmed {
		t.Fatalf("after first toggle: %q confirmed=%v", r.Status, r.Checks.SummaryConfirmed)
	}
	r = ToggleStatus(r, StatusAttendance)
	if r.Status != StatusWaiting || r.Checks.SummaryConfirmed {
		t.Fatalf("after second toggle: %q confirmed=%v", r.Status, r.Checks.SummaryConfirmed)
	}
	r = ToggleStatus(r, StatusLate)
	if r.Status != StatusLate || r.Checks.SummaryConfirmed {
		t.Fatalf("after late toggle: %q confirmed=%v", r.Status, r.Checks.SummaryConfirmed)
	}
}

func TestNewBlank(t *testing.T) {
	r := NewBlank(BlankInput{Name: " Choi ", SchoolGrade: "한빛중 2학년"})

	if r.ID == "" {
		t.Error("ID is empty")
	}
	if !strings.HasPrefix(r.StudentID, "st_") || len(r.StudentID) != 8 {
		t.Errorf("StudentID = %q", r.StudentID)
	}
	if r.Name != "Choi" {
		t.Errorf("Name = %q, want Choi", r.Name)
	}
	if !reflect.DeepEqual(r.Classes, []string{DefaultClass}) {
		t.Errorf("Classes = %q", r.Classes)
	}
	if r.SchoolName != "한빛중" || r.Grade != "2학년" {
		t.Errorf("school/grade = %q/%q", r.SchoolName, r.Grade)
	}
	if r.DedupeKey != "Choi_"+DefaultClass {
		t.Errorf("DedupeKey = %q", r.DedupeKey)
	}
	if NormalizedGrade(r) != "중2" {
		t.Errorf("NormalizedGrade = %q, want 중2", NormalizedGrade(r))
	}

	other := NewBlank(BlankInput{Name: "Choi"})
	if other.ID == r.ID {
		t.Error("NewBlank reused an id")
	}
}

func TestIsScheduledOn(t *testing.T) {
	r := Normalize(map[string]any{"attendanceDays": "월,수", "extraDays": []any{"토요일"}})

	tests := []struct {
		day  string
		want bool
	}{
		{"월", true},
		{"수", true},
		{"토", true},
		{"금", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsScheduledOn(r, tt.day); got != tt.want {
			t.Errorf("IsScheduledOn(%q) = %v, want %v", tt.day, got, tt.want)
		}
	}
}

func TestNormalizedGrade(t *testing.T) {
	tests := []struct {
		school, grade, want string
	}{
		{"", "3", DefaultDepartment},
		{"한빛초", "5", "초5"},
		{"한빛초", "2", DefaultDepartment},
		{"한빛고", "고3", "고3"},
		{"X", "중1", "중1"},
		{"한빛중", "학년", DefaultDepartment},
	}
	for _, tt := range tests {
		r := Record{SchoolName: tt.school, Grade: tt.grade}
		if got := NormalizedGrade(r); got != tt.want {
			t.Errorf("NormalizedGrade(%q, %q) = %q, want %q", tt.school, tt.grade, got, tt.want)
		}
	}
}

func TestMemos(t *testing.T) {
	r := Normalize(map[string]any{"id": "1"})
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	first := NewMemo("bring book", now)
	second := NewMemo("call parent", now.Add(time.Minute))
	r = AppendMemo(r, first)
	r = AppendMemo(r, second)

	memos := ParseMemos(r.Checks.Memos["toDesk"])
	if len(memos) != 2 || memos[0].Text != "bring book" || memos[1].ID != second.ID {
		t.Fatalf("memos = %+v", memos)
	}

	r = DeleteMemo(r, first.ID)
	memos = ParseMemos(r.Checks.Memos["toDesk"])
	if len(memos) != 1 || memos[0].Text != "call parent" {
		t.Fatalf("after delete memos = %+v", memos)
	}

	r = DeleteMemo(r, second.ID)
	if r.Checks.Memos["toDesk"] != "" {
		t.Errorf("toDesk = %q, want empty", r.Checks.Memos["toDesk"])
	}
}

func TestParseMemos_Legacy(t *testing.T) {
	memos := ParseMemos("plain note")
	if len(memos) != 1 || memos[0].ID != LegacyMemoID || memos[0].Text != "plain note" {
		t.Errorf("ParseMemos = %+v", memos)
	}
	if ParseMemos("") != nil {
		t.Error("ParseMemos(\"\") should be nil")
	}
}
