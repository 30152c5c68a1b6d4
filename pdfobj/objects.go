package pdfobj

// Concrete implementations for the raw object interfaces.

// NameObj is a PDF name.
type NameObj struct{ Val string }

func (n NameObj) Type() string     { return "name" }
func (n NameObj) IsIndirect() bool { return false }
func (n NameObj) Value() string    { return n.Val }

// NumberObj is a PDF number, integer or real.
type NumberObj struct {
	I     int64
	F     float64
	IsInt bool
}

func (n NumberObj) Type() string     { return "number" }
func (n NumberObj) IsIndirect() bool { return false }
func (n NumberObj) Int() int64 {
	if n.IsInt {
		return n.I
	}
	return int64(n.F)
}
func (n NumberObj) Float() float64 {
	if n.IsInt {
		return float64(n.I)
	}
	return n.F
}
func (n NumberObj) IsInteger() bool { return n.IsInt }

// BoolObj is a PDF boolean.
type BoolObj struct{ V bool }

func (b BoolObj) Type() string     { return "boolean" }
func (b BoolObj) IsIndirect() bool { return false }
func (b BoolObj) Value() bool      { return b.V }

// NullObj is the PDF null object.
type NullObj struct{}

func (NullObj) Type() string     { return "null" }
func (NullObj) IsIndirect() bool { return false }

// StringObj is a PDF string. Hex records whether the source used the
// angle-bracket form, so the writer can reproduce it.
type StringObj struct {
	Bytes []byte
	Hex   bool
}

func (s StringObj) Type() string     { return "string" }
func (s StringObj) IsIndirect() bool { return false }
func (s StringObj) Value() []byte    { return s.Bytes }
func (s StringObj) IsHex() bool      { return s.Hex }

// ArrayObj is a PDF array.
type ArrayObj struct{ Items []Object }

func (a *ArrayObj) Type() string     { return "array" }
func (a *ArrayObj) IsIndirect() bool { return false }
func (a *ArrayObj) Get(i int) (Object, bool) {
	if i < 0 || i >= len(a.Items) {
		return nil, false
	}
	return a.Items[i], true
}
func (a *ArrayObj) Len() int        { return len(a.Items) }
func (a *ArrayObj) Append(o Object) { a.Items = append(a.Items, o) }

// DictObj is a PDF dictionary with insertion-ordered keys.
type DictObj struct {
	kv    map[string]Object
	order []string
}

func (d *DictObj) Type() string     { return "dict" }
func (d *DictObj) IsIndirect() bool { return false }

func (d *DictObj) Get(key string) (Object, bool) {
	o, ok := d.kv[key]
	return o, ok
}

func (d *DictObj) Set(key string, value Object) {
	if d.kv == nil {
		d.kv = make(map[string]Object)
	}
	if _, exists := d.kv[key]; !exists {
		d.order = append(d.order, key)
	}
	d.kv[key] = value
}

func (d *DictObj) Delete(key string) {
	if _, exists := d.kv[key]; !exists {
		return
	}
	delete(d.kv, key)
	for i, k := range d.order {
		if k == key {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

func (d *DictObj) Keys() []string {
	keys := make([]string, len(d.order))
	copy(keys, d.order)
	return keys
}

func (d *DictObj) Len() int { return len(d.kv) }

// StreamObj is a PDF stream: dictionary plus raw (stored, still encoded)
// bytes. Decoded content lives with whoever decoded it, not here.
type StreamObj struct {
	Dict *DictObj
	Data []byte
}

func (s *StreamObj) Type() string           { return "stream" }
func (s *StreamObj) IsIndirect() bool       { return false }
func (s *StreamObj) Dictionary() Dictionary { return s.Dict }
func (s *StreamObj) RawData() []byte        { return s.Data }
func (s *StreamObj) SetRawData(data []byte) { s.Data = data }
func (s *StreamObj) Length() int64          { return int64(len(s.Data)) }

// RefObj is an indirect reference.
type RefObj struct{ Oid ObjectID }

func (r RefObj) Type() string     { return "ref" }
func (r RefObj) IsIndirect() bool { return true }
func (r RefObj) ID() ObjectID     { return r.Oid }

// Constructors.

func NewName(v string) NameObj       { return NameObj{Val: v} }
func NewInt(i int64) NumberObj       { return NumberObj{I: i, IsInt: true} }
func NewReal(f float64) NumberObj    { return NumberObj{F: f} }
func NewBool(v bool) BoolObj         { return BoolObj{V: v} }
func NewString(b []byte) StringObj   { return StringObj{Bytes: b} }
func NewHexString(b []byte) StringObj {
	return StringObj{Bytes: b, Hex: true}
}
func NewArray(items ...Object) *ArrayObj { return &ArrayObj{Items: items} }
func NewDict() *DictObj                  { return &DictObj{kv: make(map[string]Object)} }
func NewRef(num, gen int) RefObj         { return RefObj{Oid: ObjectID{Num: num, Gen: gen}} }

func NewStream(dict *DictObj, data []byte) *StreamObj {
	if dict == nil {
		dict = NewDict()
	}
	dict.Set("Length", NewInt(int64(len(data))))
	return &StreamObj{Dict: dict, Data: data}
}
