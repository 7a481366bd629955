// Package models contains the database object types shared by the metadata
// loaders and cache.
package models

import "fmt"

// Kind is the kind of a metadata object.
type Kind int

const (
	KindRoot Kind = iota
	KindCatalog
	KindSchema
	KindTable
	KindProcedure
	KindColumn
	KindIndex
	KindConstraint
	KindArgument
)

var kindNames = map[Kind]string{
	KindRoot:       "root",
	KindCatalog:    "catalog",
	KindSchema:     "schema",
	KindTable:      "table",
	KindProcedure:  "procedure",
	KindColumn:     "column",
	KindIndex:      "index",
	KindConstraint: "constraint",
	KindArgument:   "argument",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Group orders kinds among siblings: tables before procedures, columns
// before indexes before constraints.
func (k Kind) Group() int { return int(k) }

// Object is one database object as reported by a loader.
type Object struct {
	Kind Kind
	Name string
	// Key disambiguates objects sharing a name, such as overloaded
	// procedures. Empty for everything else.
	Key string
	// Type is the data type, table type, index definition or constraint
	// type, depending on Kind.
	Type string
	// Position is the 1-based ordinal for columns and arguments.
	Position int
}

// Ref locates the object whose children are being loaded.
type Ref struct {
	Kind    Kind
	Catalog string
	Schema  string
	// Object is the table or procedure name.
	Object string
	// Key is the parent's Object.Key.
	Key string
}

// Child returns the ref of obj as a child of r.
func (r Ref) Child(obj Object) Ref {
	c := r
	c.Kind = obj.Kind
	c.Key = obj.Key
	switch obj.Kind {
	case KindCatalog:
		c.Catalog = obj.Name
	case KindSchema:
		c.Schema = obj.Name
	case KindTable, KindProcedure:
		c.Object = obj.Name
	}
	return c
}

// HasChildren reports whether objects of kind k can be expanded.
func (k Kind) HasChildren() bool {
	switch k {
	case KindRoot, KindCatalog, KindSchema, KindTable, KindProcedure:
		return true
	default:
		return false
	}
}
