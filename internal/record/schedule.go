package record

import (
	"regexp"
	"strings"
)

var (
	gradeDirect = regexp.MustCompile(`(초|중|고)([1-6])`)
	gradeDigit  = regexp.MustCompile(`\d`)
)

// Grades lists the grade buckets in display order. The last entry is the
// catch-all.
var Grades = []string{"초4", "초5", "초6", "중1", "중2", "중3", "고1", "고2", "고3", DefaultDepartment}

var gradeRanges = map[string]string{
	"초": "456",
	"중": "123",
	"고": "123",
}

// IsScheduledOn reports whether the record attends on day through any of its
// regular, special or extra schedules. A token matches when it contains day.
func IsScheduledOn(r Record, day string) bool {
	if day == "" {
		return false
	}
	for _, days := range [][]string{r.AttendanceDays, r.SpecialDays, r.ExtraDays} {
		for _, d := range days {
			if strings.Contains(strings.TrimSpace(d), day) {
				return true
			}
		}
	}
	return false
}

// NormalizedGrade maps a record's school and grade onto one of Grades.
func NormalizedGrade(r Record) string {
	if r.SchoolName == "" || r.Grade == "" {
		return DefaultDepartment
	}
	if m := gradeDirect.FindStringSubmatch(r.Grade); m != nil {
		if strings.Contains(gradeRanges[m[1]], m[2]) {
			return m[1] + m[2]
		}
	}
	num := gradeDigit.FindString(r.Grade)
	if num == "" {
		return DefaultDepartment
	}
	for _, level := range []string{"초", "중", "고"} {
		if strings.Contains(r.SchoolName, level) && strings.Contains(gradeRanges[level], num) {
			return level + num
		}
	}
	return DefaultDepartment
}
