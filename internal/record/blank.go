package record

import (
	"strings"

	"github.com/google/uuid"
)

// BlankInput is the sparse form used for manual entry and bulk paste.
type BlankInput struct {
	ID             string
	Name           string
	Department     string
	Classes        []string
	SchoolGrade    string // "school grade", split on the first space
	AttendanceDays []string
	AttendanceTime string
	SpecialDays    []string
	SpecialTime    string
	ExtraDays      []string
	ParentPhones   []string
	StudentPhones  []string
	EditedBy       string
}

// NewBlank builds a fresh, fully shaped record from a sparse form.
func NewBlank(in BlankInput) Record {
	school, grade := splitSchoolGrade(in.SchoolGrade)

	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = "Unknown"
	}
	classes := in.Classes
	if len(classes) == 0 {
		classes = []string{DefaultClass}
	}

	r := Record{
		ID:             id,
		StudentID:      "st_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:5],
		Name:           name,
		LastEditedBy:   in.EditedBy,
		Department:     orDefault(in.Department, DefaultDepartment),
		SchoolName:     school,
		Grade:          grade,
		Classes:        cloneStrings(classes),
		AttendanceDays: cloneStrings(in.AttendanceDays),
		SpecialDays:    cloneStrings(in.SpecialDays),
		ExtraDays:      cloneStrings(in.ExtraDays),
		ParentPhones:   cloneStrings(in.ParentPhones),
		StudentPhones:  cloneStrings(in.StudentPhones),
		AttendanceTime: in.AttendanceTime,
		SpecialTime:    in.SpecialTime,
		Status:         StatusWaiting,
		Checks:         NormalizeChecks(nil),
	}
	return NormalizeRecord(r)
}

// StableID derives an id from a dedupe key. The same key always yields the
// same id, so re-importing an id-less source does not create duplicates.
func StableID(dedupeKey string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("attend/"+dedupeKey)).String()
}

// AssignMissingIDs fills in StableID for records without an id. The slice is
// modified in place and returned.
func AssignMissingIDs(rs []Record) []Record {
	for i := range rs {
		if rs[i].ID == "" {
			rs[i].ID = StableID(rs[i].DedupeKey)
		}
	}
	return rs
}

func splitSchoolGrade(s string) (school, grade string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	school, grade, _ = strings.Cut(s, " ")
	return school, strings.TrimSpace(grade)
}
