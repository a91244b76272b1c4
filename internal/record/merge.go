package record

// MergeInto folds an incoming record into an existing one with the same
// dedupe key, as done when a staged import is committed.
//
// The existing record keeps its identity, status and checks. Profile scalars
// take the incoming value when it is set, and schedules and classes are
// unioned so a commit never drops a day that was already assigned.
func MergeInto(existing, incoming Record) Record {
	merged := existing.Clone()
	if incoming.Department != "" && incoming.Department != DefaultDepartment {
		merged.Department = incoming.Department
	}
	merged.SchoolName = firstNonEmpty(incoming.SchoolName, existing.SchoolName)
	merged.Grade = firstNonEmpty(incoming.Grade, existing.Grade)
	merged.AttendanceTime = firstNonEmpty(incoming.AttendanceTime, existing.AttendanceTime)
	merged.SpecialTime = firstNonEmpty(incoming.SpecialTime, existing.SpecialTime)
	merged.AttendanceDays = Union(existing.AttendanceDays, incoming.AttendanceDays)
	merged.SpecialDays = Union(existing.SpecialDays, incoming.SpecialDays)
	merged.ExtraDays = Union(existing.ExtraDays, incoming.ExtraDays)
	merged.Classes = Union(existing.Classes, incoming.Classes)
	return NormalizeRecord(merged)
}

// MergeSchedule returns the incoming record re-keyed to the existing record's
// id, with schedules and classes unioned. It is used when a remote batch is
// staged next to records that are already in the store.
func MergeSchedule(existing, incoming Record) Record {
	merged := incoming.Clone()
	merged.ID = existing.ID
	merged.AttendanceDays = Union(existing.AttendanceDays, incoming.AttendanceDays)
	merged.SpecialDays = Union(existing.SpecialDays, incoming.SpecialDays)
	merged.ExtraDays = Union(existing.ExtraDays, incoming.ExtraDays)
	merged.Classes = Union(existing.Classes, incoming.Classes)
	return NormalizeRecord(merged)
}

// ScheduleChanged reports whether any of the day lists differ.
func ScheduleChanged(a, b Record) bool {
	return !sameList(a.AttendanceDays, b.AttendanceDays) ||
		!sameList(a.SpecialDays, b.SpecialDays) ||
		!sameList(a.ExtraDays, b.ExtraDays)
}

// ToggleStatus applies a status button press. Pressing the current status
// again reverts to waiting.
func ToggleStatus(r Record, s Status) Record {
	target := s
	if r.Status == s {
		target = StatusWaiting
	}
	return WithStatus(r, target)
}

// WithStatus sets the status unconditionally. The summary is confirmed only
// for attendance.
func WithStatus(r Record, s Status) Record {
	out := r.Clone()
	if !s.Valid() {
		s = StatusWaiting
	}
	out.Status = s
	out.Checks.SummaryConfirmed = s == StatusAttendance
	return out
}

// Union returns the elements of a followed by the elements of b not already
// present, skipping empty strings.
func Union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func sameList(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
