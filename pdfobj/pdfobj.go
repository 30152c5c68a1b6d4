// Package pdfobj holds the raw PDF object model shared by the scanner,
// parser, and writer.
package pdfobj

import "fmt"

// ObjectID uniquely identifies an indirect PDF object.
type ObjectID struct {
	Num int
	Gen int
}

func (id ObjectID) String() string { return fmt.Sprintf("%d %d R", id.Num, id.Gen) }

// Object is the base interface for all raw PDF objects.
type Object interface {
	Type() string
	IsIndirect() bool
}

// Dictionary represents a PDF dictionary. Keys preserve insertion order so
// serialization is deterministic.
type Dictionary interface {
	Object
	Get(key string) (Object, bool)
	Set(key string, value Object)
	Delete(key string)
	Keys() []string
	Len() int
}

// Array represents a PDF array object.
type Array interface {
	Object
	Get(index int) (Object, bool)
	Len() int
	Append(obj Object)
}

// Stream represents a raw (undecoded) PDF stream.
type Stream interface {
	Object
	Dictionary() Dictionary
	RawData() []byte
	SetRawData(data []byte)
	Length() int64
}

// Name represents a PDF name object.
type Name interface {
	Object
	Value() string
}

// String represents a PDF string (literal or hex).
type String interface {
	Object
	Value() []byte
	IsHex() bool
}

// Number represents a PDF numeric value.
type Number interface {
	Object
	Int() int64
	Float() float64
	IsInteger() bool
}

// Boolean represents a PDF boolean.
type Boolean interface {
	Object
	Value() bool
}

// Null represents the PDF null object.
type Null interface{ Object }

// Reference represents an indirect object reference.
type Reference interface {
	Object
	ID() ObjectID
}

// Document is the root container for raw PDF objects, as resolved by the
// parser. Trailer is the merged trailer dictionary; Version is the header
// version string such as "1.7".
type Document struct {
	Objects   map[ObjectID]Object
	Trailer   Dictionary
	Version   string
	Encrypted bool
}

// Resolve follows obj through at most depth levels of indirection and
// returns the referenced object, or nil when the chain dead-ends.
func (d *Document) Resolve(obj Object) Object {
	const depth = 32
	for i := 0; i < depth; i++ {
		ref, ok := obj.(Reference)
		if !ok {
			return obj
		}
		obj, ok = d.Objects[ref.ID()]
		if !ok {
			return nil
		}
	}
	return nil
}
