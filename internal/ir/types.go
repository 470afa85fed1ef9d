package ir

import "fmt"

// VarType is the machine-level type of a local, node or expression.
type VarType uint8

const (
	TypeVoid VarType = iota
	TypeInt
	TypeLong
	TypeRef
	TypeByref
	TypeFloat
	TypeDouble
	TypeStruct
	TypeSIMD8
	TypeSIMD16
)

var typeNames = [...]string{
	TypeVoid:   "void",
	TypeInt:    "int",
	TypeLong:   "long",
	TypeRef:    "ref",
	TypeByref:  "byref",
	TypeFloat:  "float",
	TypeDouble: "double",
	TypeStruct: "struct",
	TypeSIMD8:  "simd8",
	TypeSIMD16: "simd16",
}

func (t VarType) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("VarType(%d)", uint8(t))
}

// ParseVarType maps a type name back to its VarType.
func ParseVarType(s string) (VarType, bool) {
	for i, name := range typeNames {
		if name == s {
			return VarType(i), true
		}
	}
	return TypeVoid, false
}

// Size is the storage size in bytes. Structs report zero; their size lives on
// the local.
func (t VarType) Size() int {
	switch t {
	case TypeInt, TypeFloat:
		return 4
	case TypeLong, TypeRef, TypeByref, TypeDouble, TypeSIMD8:
		return 8
	case TypeSIMD16:
		return 16
	}
	return 0
}

func (t VarType) IsGC() bool { return t == TypeRef || t == TypeByref }

func (t VarType) IsFloat() bool {
	switch t {
	case TypeFloat, TypeDouble, TypeSIMD8, TypeSIMD16:
		return true
	}
	return false
}

// GCKind classifies a pointer-sized location for the garbage collector.
type GCKind uint8

const (
	GCNone GCKind = iota
	GCRef
	GCByref
)

func (k GCKind) String() string {
	switch k {
	case GCRef:
		return "ref"
	case GCByref:
		return "byref"
	}
	return "none"
}

// GCKind reports how a value of type t is tracked.
func (t VarType) GCKind() GCKind {
	switch t {
	case TypeRef:
		return GCRef
	case TypeByref:
		return GCByref
	}
	return GCNone
}
