package store

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDanglingEdge       = errors.New("dangling edge")
	ErrKeyCollision       = errors.New("key collision")
	ErrGenerationNotFound = errors.New("generation not found")
	ErrNoProposal         = errors.New("no open proposal")
)

// Error is an integrity violation that rejected a delta. Kind is one of the
// sentinel errors above, so callers can use errors.Is.
type Error struct {
	Kind  error
	Edges []Edge
	Keys  []string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	switch {
	case len(e.Edges) > 0:
		fmt.Fprintf(&b, ": %d edge(s), first %s -[%s]-> %s", len(e.Edges), e.Edges[0].Src, e.Edges[0].Kind, e.Edges[0].Dst)
	case len(e.Keys) > 0:
		fmt.Fprintf(&b, ": %s", strings.Join(e.Keys, ", "))
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Kind }
