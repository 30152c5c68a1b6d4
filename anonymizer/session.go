package anonymizer

// Category classifies a detected token.
type Category string

const (
	CategoryTeacher Category = "teacher"
	CategoryStudent Category = "student"
	CategoryForm    Category = "form_code"
)

// Entry is one original to replacement pair.
type Entry struct {
	Original    string
	Replacement string
	Category    Category
}

// Mapping is the key-unique, order-preserving replacement table built by
// detection. Re-detecting an original overwrites its replacement and
// category in place; the entry keeps its first-detection position.
type Mapping struct {
	entries []Entry
	index   map[string]int
}

// NewMapping returns an empty mapping.
func NewMapping() *Mapping {
	return &Mapping{index: make(map[string]int)}
}

// Put records a replacement for an original. A repeated original overwrites
// the earlier entry (last write wins).
func (m *Mapping) Put(original, replacement string, cat Category) {
	if i, ok := m.index[original]; ok {
		m.entries[i].Replacement = replacement
		m.entries[i].Category = cat
		return
	}
	m.index[original] = len(m.entries)
	m.entries = append(m.entries, Entry{Original: original, Replacement: replacement, Category: cat})
}

// Get looks up the replacement for an original token.
func (m *Mapping) Get(original string) (string, bool) {
	i, ok := m.index[original]
	if !ok {
		return "", false
	}
	return m.entries[i].Replacement, true
}

// Len reports the number of distinct originals.
func (m *Mapping) Len() int { return len(m.entries) }

// Entries returns a copy of the mapping in first-detection order.
func (m *Mapping) Entries() []Entry {
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Session owns the mutable state of one anonymization run: the registry of
// replacement strings already issued and the fallback counters. Uniqueness
// guarantees hold within a single session only; sessions are never shared
// across documents.
type Session struct {
	used     map[string]bool
	students int
	teachers int
}

// NewSession returns a session with an empty registry.
func NewSession() *Session {
	return &Session{used: make(map[string]bool)}
}
