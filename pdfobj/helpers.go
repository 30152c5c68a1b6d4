package pdfobj

// Coercion helpers used by the parser, writer, and document layers.

// AsDict returns obj as a Dictionary. Streams expose their dictionary.
func AsDict(obj Object) (Dictionary, bool) {
	switch v := obj.(type) {
	case Dictionary:
		return v, true
	case Stream:
		return v.Dictionary(), true
	default:
		return nil, false
	}
}

// AsArray returns obj as an Array.
func AsArray(obj Object) (Array, bool) {
	a, ok := obj.(Array)
	return a, ok
}

// AsName returns the value of a name object.
func AsName(obj Object) (string, bool) {
	n, ok := obj.(Name)
	if !ok {
		return "", false
	}
	return n.Value(), true
}

// AsInt returns an integer numeric value.
func AsInt(obj Object) (int64, bool) {
	n, ok := obj.(Number)
	if !ok {
		return 0, false
	}
	return n.Int(), true
}

// AsString returns the byte value of a string object.
func AsString(obj Object) ([]byte, bool) {
	s, ok := obj.(String)
	if !ok {
		return nil, false
	}
	return s.Value(), true
}

// AsStream returns obj as a Stream.
func AsStream(obj Object) (Stream, bool) {
	s, ok := obj.(Stream)
	return s, ok
}

// DictGetInt resolves key in dict through doc and returns its integer value.
func DictGetInt(doc *Document, dict Dictionary, key string) (int64, bool) {
	obj, ok := dict.Get(key)
	if !ok {
		return 0, false
	}
	if doc != nil {
		obj = doc.Resolve(obj)
	}
	return AsInt(obj)
}

// DictGetName resolves key in dict through doc and returns its name value.
func DictGetName(doc *Document, dict Dictionary, key string) (string, bool) {
	obj, ok := dict.Get(key)
	if !ok {
		return "", false
	}
	if doc != nil {
		obj = doc.Resolve(obj)
	}
	return AsName(obj)
}
