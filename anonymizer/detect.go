package anonymizer

import (
	"regexp"
	"strings"
)

// Detection patterns, matching how the timetable export prints names:
// teachers as "Title Initial Surname", students as "First Last" directly
// followed by a form code, and form codes standalone in period cells.
var (
	teacherPattern = regexp.MustCompile(`\b(Mr|Ms|Mrs|Miss)\s+([A-Z])\s+([A-Z][a-z]{3,})\b`)
	studentPattern = regexp.MustCompile(`([A-Z][a-z]{3,})\s+([A-Z][a-z]{3,})\s+\(?(\d{1,2}[A-Z]{1,3})\)?`)
	formPattern    = regexp.MustCompile(`\b(\d{1,2}[A-Z]{2,3})\b`)
)

// surnameStoplist rejects timetable vocabulary that happens to match the
// surname shape, such as "Mr A Week" in column furniture.
var surnameStoplist = map[string]bool{
	"week":   true,
	"page":   true,
	"form":   true,
	"room":   true,
	"lesson": true,
}

// Detect runs the three pattern passes over the corpus in order and builds
// the replacement mapping. Generation is interleaved with detection, so an
// earlier match consumes names that later matches can no longer use. The
// corpus holds several views of the same text, so a token often matches
// more than once; each match regenerates and overwrites its entry.
func Detect(corpus string, s *Session) *Mapping {
	m := NewMapping()
	detectTeachers(corpus, s, m)
	detectStudents(corpus, s, m)
	detectForms(corpus, m)
	return m
}

func detectTeachers(corpus string, s *Session, m *Mapping) {
	for _, match := range teacherPattern.FindAllStringSubmatch(corpus, -1) {
		title, initial, surname := match[1], match[2], match[3]
		if surnameStoplist[strings.ToLower(surname)] {
			continue
		}
		original := title + " " + initial + " " + surname
		m.Put(original, s.Teacher(title+" "+initial, surname), CategoryTeacher)
	}
}

func detectStudents(corpus string, s *Session, m *Mapping) {
	for _, match := range studentPattern.FindAllStringSubmatch(corpus, -1) {
		name := match[1] + " " + match[2]
		m.Put(name, s.Generic(name), CategoryStudent)

		code := match[3]
		m.Put(code, maskFormCode(code), CategoryForm)
	}
}

func detectForms(corpus string, m *Mapping) {
	for _, match := range formPattern.FindAllStringSubmatch(corpus, -1) {
		code := match[1]
		m.Put(code, maskFormCode(code), CategoryForm)
	}
}

// maskFormCode keeps the digits of a form code and turns every letter into
// 'X': "10AB" becomes "10XX". Form replacements are deterministic, so they
// never pass through the used-name registry.
func maskFormCode(code string) string {
	out := []byte(code)
	for i, c := range out {
		if c >= 'A' && c <= 'Z' {
			out[i] = 'X'
		}
	}
	return string(out)
}
