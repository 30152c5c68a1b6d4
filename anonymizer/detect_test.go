package anonymizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectTeacher(t *testing.T) {
	m := Detect("Period 1 with Mr J Smith in the hall", NewSession())
	require.Equal(t, 1, m.Len())

	e := m.Entries()[0]
	assert.Equal(t, "Mr J Smith", e.Original)
	assert.Equal(t, "Mr J Alpha", e.Replacement)
	assert.Equal(t, CategoryTeacher, e.Category)
	assert.Len(t, e.Replacement, len(e.Original))
}

func TestDetectTeacherTitles(t *testing.T) {
	m := Detect("Mr A Brown, Ms B Green, Mrs C White, Miss D Black", NewSession())
	require.Equal(t, 4, m.Len())

	entries := m.Entries()
	assert.Equal(t, "Mr A Brown", entries[0].Original)
	assert.Equal(t, "Ms B Green", entries[1].Original)
	assert.Equal(t, "Mrs C White", entries[2].Original)
	assert.Equal(t, "Miss D Black", entries[3].Original)
	for _, e := range entries {
		assert.Len(t, e.Replacement, len(e.Original), "entry %q", e.Original)
	}
}

func TestDetectTeacherStoplist(t *testing.T) {
	m := Detect("Mr A Week Ms B Page Mrs C Room Miss D Form Mr E Lesson", NewSession())
	assert.Zero(t, m.Len())
}

func TestDetectStudentWithFormCode(t *testing.T) {
	m := Detect("Amelia Slater (10AB)", NewSession())
	require.Equal(t, 2, m.Len())

	entries := m.Entries()
	assert.Equal(t, "Amelia Slater", entries[0].Original)
	assert.Equal(t, "Test Data    ", entries[0].Replacement)
	assert.Equal(t, CategoryStudent, entries[0].Category)
	assert.Len(t, entries[0].Replacement, len("Amelia Slater"))

	assert.Equal(t, "10AB", entries[1].Original)
	assert.Equal(t, "10XX", entries[1].Replacement)
	assert.Equal(t, CategoryForm, entries[1].Category)
}

func TestDetectStudentWithoutParentheses(t *testing.T) {
	m := Detect("Noah Green 7CD", NewSession())
	require.Equal(t, 2, m.Len())

	repl, ok := m.Get("Noah Green")
	require.True(t, ok)
	assert.Len(t, repl, len("Noah Green"))

	code, ok := m.Get("7CD")
	require.True(t, ok)
	assert.Equal(t, "7XX", code)
}

func TestDetectStandaloneFormCode(t *testing.T) {
	m := Detect("assembly for 9ABX then lunch", NewSession())
	require.Equal(t, 1, m.Len())

	e := m.Entries()[0]
	assert.Equal(t, "9ABX", e.Original)
	assert.Equal(t, "9XXX", e.Replacement)
	assert.Equal(t, CategoryForm, e.Category)
}

func TestDetectFormCodeShapes(t *testing.T) {
	m := Detect("12ABC and 7QU", NewSession())
	require.Equal(t, 2, m.Len())

	got, _ := m.Get("12ABC")
	assert.Equal(t, "12XXX", got)
	got, _ = m.Get("7QU")
	assert.Equal(t, "7XX", got)
}

func TestDetectRegeneratesAcrossViews(t *testing.T) {
	// The corpus repeats text across its decoded views, so the same
	// student matches twice: the second generation burns another name
	// and overwrites the entry without moving it.
	m := Detect("Amelia Slater 10AB\nAmelia Slater 10AB", NewSession())
	require.Equal(t, 2, m.Len())

	entries := m.Entries()
	assert.Equal(t, "Amelia Slater", entries[0].Original)
	assert.Equal(t, "Test User    ", entries[0].Replacement)
}

func TestDetectCleanFixtureCorpus(t *testing.T) {
	corpus := "Test Data     sat with Sample User   \nMock Person attended the lesson"
	m := Detect(corpus, NewSession())
	assert.Zero(t, m.Len())
}

func TestDetectUniquenessAcrossCategories(t *testing.T) {
	m := Detect("Mr J Smith and Mr K Jones teach Amelia Slater (10AB) and Sophie Turner (11CD)", NewSession())

	seen := map[string]string{}
	for _, e := range m.Entries() {
		assert.Len(t, e.Replacement, len(e.Original), "entry %q", e.Original)
		if e.Category == CategoryForm {
			continue
		}
		prev, dup := seen[e.Replacement]
		assert.False(t, dup, "replacement %q used for %q and %q", e.Replacement, prev, e.Original)
		seen[e.Replacement] = e.Original
	}
}
