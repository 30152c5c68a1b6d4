package anonymizer

import (
	"fmt"
	"strings"
)

// Replacement vocabularies. Fixed and ordered so runs over the same input
// are deterministic; candidates are tried in list order.
var (
	teacherFixtures = []string{
		"Alpha", "Bravo", "Charlie", "Delta", "Echo", "Foxtrot", "Golf",
		"Hotel", "India", "Juliet", "Kilo", "Lima", "Mike", "November",
		"Oscar", "Papa", "Quebec", "Romeo", "Sierra", "Tango", "Uniform",
		"Victor", "Whiskey", "X-ray", "Yankee", "Zulu",
	}

	firstNames = []string{
		"Test", "Sample", "Demo", "Mock", "Fixture", "Example",
		"Placeholder", "Specimen", "Model", "Instance", "Case", "Trial",
	}

	lastNames = []string{
		"Data", "User", "Person", "Student", "Subject", "Entity",
		"Record", "Entry", "Item", "Object", "Element", "Unit",
	}
)

// Generic issues a fictional name of exactly len(original) characters that
// is unused in this session. The first-by-last cross product is tried in
// order: an exact-length pair is taken as is, a shorter pair is right-padded
// with spaces, a longer pair is skipped. When the cross product is exhausted
// a counter token "StudentNNN" is padded to fit; if even that is too long
// the result is a run of 'X' characters, which is always accepted.
func (s *Session) Generic(original string) string {
	target := len(original)
	for _, first := range firstNames {
		for _, last := range lastNames {
			candidate := first + " " + last
			if len(candidate) == target && !s.used[candidate] {
				s.used[candidate] = true
				return candidate
			}
			if len(candidate) < target {
				padded := candidate + strings.Repeat(" ", target-len(candidate))
				if !s.used[padded] {
					s.used[padded] = true
					return padded
				}
			}
		}
	}

	token := fmt.Sprintf("Student%03d", s.students)
	s.students++
	if len(token) <= target {
		padded := token + strings.Repeat(" ", target-len(token))
		s.used[padded] = true
		return padded
	}
	return strings.Repeat("X", target)
}

// Teacher issues a replacement "title fixture" whose fixture field is
// exactly len(surname) characters, so the whole replacement matches
// len(title)+1+len(surname). The phonetic alphabet is tried in order,
// padded or truncated to fit and skipped when already used; exhaustion
// falls back to a counter token "TeacherNN" that is always accepted.
func (s *Session) Teacher(title, surname string) string {
	want := len(surname)
	for _, fixture := range teacherFixtures {
		candidate := title + " " + fitField(fixture, want)
		if !s.used[candidate] {
			s.used[candidate] = true
			return candidate
		}
	}

	token := fmt.Sprintf("Teacher%02d", s.teachers)
	s.teachers++
	result := title + " " + fitField(token, want)
	s.used[result] = true
	return result
}

// fitField pads s with trailing spaces or truncates it to exactly width.
func fitField(s string, width int) string {
	if len(s) < width {
		return s + strings.Repeat(" ", width-len(s))
	}
	return s[:width]
}
