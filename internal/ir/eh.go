package ir

import "fmt"

// NoEnclosing marks a region without an enclosing try or handler.
const NoEnclosing = -1

// HandlerKind classifies an exception handler.
type HandlerKind uint8

const (
	HandlerCatch HandlerKind = iota
	HandlerFilter
	HandlerFinally
	HandlerFault
)

var handlerKindNames = [...]string{"catch", "filter", "finally", "fault"}

func (k HandlerKind) String() string {
	if int(k) < len(handlerKindNames) {
		return handlerKindNames[k]
	}
	return fmt.Sprintf("HandlerKind(%d)", uint8(k))
}

func ParseHandlerKind(s string) (HandlerKind, bool) {
	for i, name := range handlerKindNames {
		if name == s {
			return HandlerKind(i), true
		}
	}
	return HandlerCatch, false
}

// EHClause is one entry of the static exception table. Entries are ordered
// innermost first.
type EHClause struct {
	Kind HandlerKind

	TryBegin, TryLast         *Block
	HandlerBegin, HandlerLast *Block
	FilterBegin               *Block

	ClassToken uint32

	// EnclosingTry indexes the clause whose try region encloses this one.
	EnclosingTry int
	// EnclosingHandler indexes the clause whose handler encloses this one.
	EnclosingHandler int
}

// HasFilter reports whether the clause has a filter funclet.
func (c *EHClause) HasFilter() bool { return c.Kind == HandlerFilter }

// HasCatchHandler reports whether the handler is a catch or filter handler.
func (c *EHClause) HasCatchHandler() bool {
	return c.Kind == HandlerCatch || c.Kind == HandlerFilter
}

// SameTry reports whether two clauses protect the same try region.
func SameTry(a, b *EHClause) bool {
	return a.TryBegin == b.TryBegin && a.TryLast == b.TryLast
}

// EHTable is the static exception table of a method.
type EHTable []*EHClause

// TrueEnclosingTry returns the index of the first try region that encloses
// clause i and is not a mutually protecting sibling of it.
func (t EHTable) TrueEnclosingTry(i int) int {
	root := t[i]
	cur := root
	for {
		i = cur.EnclosingTry
		if i == NoEnclosing {
			return NoEnclosing
		}
		cur = t[i]
		if !SameTry(root, cur) {
			return i
		}
	}
}

// Validate checks the nesting indices and region bounds.
func (t EHTable) Validate() error {
	for i, c := range t {
		if c.TryBegin == nil || c.TryLast == nil || c.HandlerBegin == nil || c.HandlerLast == nil {
			return fmt.Errorf("eh clause %d: missing region bounds", i)
		}
		if c.HasFilter() != (c.FilterBegin != nil) {
			return fmt.Errorf("eh clause %d: filter block does not match handler kind %s", i, c.Kind)
		}
		if c.EnclosingTry != NoEnclosing && (c.EnclosingTry <= i || c.EnclosingTry >= len(t)) {
			return fmt.Errorf("eh clause %d: enclosing try %d is not an outer clause", i, c.EnclosingTry)
		}
		if c.EnclosingHandler != NoEnclosing && (c.EnclosingHandler <= i || c.EnclosingHandler >= len(t)) {
			return fmt.Errorf("eh clause %d: enclosing handler %d is not an outer clause", i, c.EnclosingHandler)
		}
	}
	return nil
}
