package store

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Graph vocabulary

type NodeKind string

const (
	KindFunction  NodeKind = "Function"
	KindMethod    NodeKind = "Method"
	KindStruct    NodeKind = "Struct"
	KindEnum      NodeKind = "Enum"
	KindTrait     NodeKind = "Trait"
	KindModule    NodeKind = "Module"
	KindImplBlock NodeKind = "ImplBlock"
	KindUnknown   NodeKind = "Unknown"
)

// Valid reports whether k is one of the known node kinds.
func (k NodeKind) Valid() bool {
	switch k {
	case KindFunction, KindMethod, KindStruct, KindEnum, KindTrait, KindModule, KindImplBlock, KindUnknown:
		return true
	}
	return false
}

type Visibility string

const (
	Public     Visibility = "Public"
	Restricted Visibility = "Restricted"
	Private    Visibility = "Private"
)

type TemporalState string

const (
	StateCurrent    TemporalState = "Current"
	StateProposed   TemporalState = "Proposed"
	StateTombstoned TemporalState = "Tombstoned"
)

type ProposedAction string

const (
	ActionNone   ProposedAction = "None"
	ActionCreate ProposedAction = "Create"
	ActionEdit   ProposedAction = "Edit"
	ActionDelete ProposedAction = "Delete"
)

type EdgeKind string

const (
	EdgeCalls            EdgeKind = "Calls"
	EdgeImplements       EdgeKind = "Implements"
	EdgeUses             EdgeKind = "Uses"
	EdgeContains         EdgeKind = "Contains"
	EdgeRequires         EdgeKind = "Requires"
	EdgeDefinesAssocType EdgeKind = "DefinesAssocType"
	EdgeReexports        EdgeKind = "Reexports"
	EdgeDerives          EdgeKind = "Derives"
)

// AllEdgeKinds lists edge kinds in their canonical order.
var AllEdgeKinds = []EdgeKind{
	EdgeCalls, EdgeImplements, EdgeUses, EdgeContains,
	EdgeRequires, EdgeDefinesAssocType, EdgeReexports, EdgeDerives,
}

func (k EdgeKind) Valid() bool { return slices.Contains(AllEdgeKinds, k) }

// Direction selects which edges of a node to follow.
type Direction string

const (
	Outgoing Direction = "out"
	Incoming Direction = "in"
	Both     Direction = "both"
)

// --- Bitsets ---

// Flags is the node flag bitset.
type Flags uint16

const (
	FlagUnsafe Flags = 1 << iota
	FlagAsync
	FlagConst
	FlagExternAbi
	FlagGeneric
	// FlagDegraded marks a signature that could not be canonicalized.
	FlagDegraded
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagUnsafe, "unsafe"},
	{FlagAsync, "async"},
	{FlagConst, "const"},
	{FlagExternAbi, "extern_abi"},
	{FlagGeneric, "generic"},
	{FlagDegraded, "degraded"},
}

func (f Flags) Has(x Flags) bool { return f&x != 0 }

func (f Flags) Names() []string {
	names := []string{}
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			names = append(names, fn.name)
		}
	}
	return names
}

func (f Flags) MarshalJSON() ([]byte, error) { return json.Marshal(f.Names()) }

func (f *Flags) UnmarshalJSON(b []byte) error {
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return err
	}
	parsed, err := FlagsFromNames(names)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// FlagsFromNames is the inverse of Names.
func FlagsFromNames(names []string) (Flags, error) {
	var f Flags
	for _, n := range names {
		found := false
		for _, fn := range flagNames {
			if fn.name == n {
				f |= fn.flag
				found = true
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown flag %q", n)
		}
	}
	return f, nil
}

// EdgeAttrs is the edge attribute bitset.
type EdgeAttrs uint8

const (
	// AttrDerived marks an edge produced by #[derive] expansion.
	AttrDerived EdgeAttrs = 1 << iota
	// AttrCfgConditional marks an edge whose source is behind #[cfg].
	AttrCfgConditional
)

func (a EdgeAttrs) Has(x EdgeAttrs) bool { return a&x != 0 }

func (a EdgeAttrs) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]bool{
		"derived":    a.Has(AttrDerived),
		"cfg_active": a.Has(AttrCfgConditional),
	})
}

func (a *EdgeAttrs) UnmarshalJSON(b []byte) error {
	var m map[string]bool
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	*a = 0
	if m["derived"] {
		*a |= AttrDerived
	}
	if m["cfg_active"] {
		*a |= AttrCfgConditional
	}
	return nil
}

// Graph records

// Node is one interface-level construct.
type Node struct {
	Key           string         `json:"key"`
	Kind          NodeKind       `json:"kind"`
	Name          string         `json:"name"`
	QualifiedName string         `json:"qualified_name"`
	File          string         `json:"file,omitempty"`
	Language      string         `json:"language,omitempty"`
	StartLine     int            `json:"start_line"`
	EndLine       int            `json:"end_line"`
	Visibility    Visibility     `json:"visibility,omitempty"`
	Signature     string         `json:"canonical_signature,omitempty"`
	Digest        uint64         `json:"api_digest"`
	Flags         Flags          `json:"flags"`
	DocFirstLine  string         `json:"doc_first_line,omitempty"`
	DocHash       uint64         `json:"doc_hash,omitempty"`
	ModulePath    string         `json:"module_path,omitempty"`
	Generics      []string       `json:"generics,omitempty"`
	WhereBounds   []string       `json:"where_bounds,omitempty"`
	Derives       []string       `json:"derives,omitempty"`
	State         TemporalState  `json:"temporal_state"`
	Action        ProposedAction `json:"proposed_action"`
}

// IsPlaceholder reports whether n stands in for an unresolved reference.
func (n *Node) IsPlaceholder() bool {
	return n.Kind == KindUnknown && n.File == ""
}

// SameContent compares everything except temporal bookkeeping.
func (n *Node) SameContent(o *Node) bool {
	return n.Key == o.Key && n.Kind == o.Kind && n.Name == o.Name &&
		n.QualifiedName == o.QualifiedName && n.File == o.File && n.Language == o.Language &&
		n.StartLine == o.StartLine && n.EndLine == o.EndLine && n.Visibility == o.Visibility &&
		n.Signature == o.Signature && n.Digest == o.Digest && n.Flags == o.Flags &&
		n.DocFirstLine == o.DocFirstLine && n.DocHash == o.DocHash && n.ModulePath == o.ModulePath &&
		slices.Equal(n.Generics, o.Generics) && slices.Equal(n.WhereBounds, o.WhereBounds) &&
		slices.Equal(n.Derives, o.Derives)
}

// Edge is a directed, typed link between two node keys. ID survives
// retargeting: it derives from the source, kind and reference text only.
type Edge struct {
	ID    string    `json:"id"`
	Src   string    `json:"src"`
	Dst   string    `json:"dst"`
	Kind  EdgeKind  `json:"kind"`
	Attrs EdgeAttrs `json:"attributes"`
	Ref   string    `json:"ref,omitempty"`
}

// EdgeKey is the persisted identity of an edge.
type EdgeKey struct {
	Src  string
	Dst  string
	Kind EdgeKind
}

func (e *Edge) EdgeKey() EdgeKey { return EdgeKey{Src: e.Src, Dst: e.Dst, Kind: e.Kind} }

// Delta is a set of node and edge changes applied as one generation.
type Delta struct {
	AddedNodes    []Node `json:"added_nodes"`
	ModifiedNodes []Node `json:"modified_nodes"`
	RemovedNodes  []Node `json:"removed_nodes"`
	AddedEdges    []Edge `json:"added_edges"`
	ModifiedEdges []Edge `json:"modified_edges"`
	RemovedEdges  []Edge `json:"removed_edges"`

	// File bookkeeping committed in the same transaction. Not part of the
	// graph delta and not counted by Size.
	Files        []FileRecord `json:"-"`
	RemovedFiles []string     `json:"-"`
}

// Size counts node and edge changes.
func (d *Delta) Size() int {
	return len(d.AddedNodes) + len(d.ModifiedNodes) + len(d.RemovedNodes) +
		len(d.AddedEdges) + len(d.ModifiedEdges) + len(d.RemovedEdges)
}

func (d *Delta) Empty() bool { return d.Size() == 0 }

// Normalize replaces nil slices with empty ones so JSON output is stable.
func (d *Delta) Normalize() {
	for _, p := range []*[]Node{&d.AddedNodes, &d.ModifiedNodes, &d.RemovedNodes} {
		if *p == nil {
			*p = []Node{}
		}
	}
	for _, p := range []*[]Edge{&d.AddedEdges, &d.ModifiedEdges, &d.RemovedEdges} {
		if *p == nil {
			*p = []Edge{}
		}
	}
}

// Bookkeeping records

const (
	BranchCurrent  = "current"
	BranchProposed = "proposed"
)

// Generation describes one committed delta.
type Generation struct {
	ID          int64     `json:"id"`
	Branch      string    `json:"branch"`
	Parent      int64     `json:"parent"`
	CommittedAt time.Time `json:"committed_at"`
	DeltaSize   int       `json:"delta_size"`
	Status      string    `json:"status,omitempty"`
}

type FileStatus string

const (
	FileClean FileStatus = "clean"
	// FileStale means the last extraction failed and the file's nodes are
	// from an older successful run.
	FileStale FileStatus = "stale"
)

type FileRecord struct {
	Path       string     `json:"path"`
	Language   string     `json:"language"`
	Hash       string     `json:"hash"`
	Status     FileStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	Generation int64      `json:"generation"`
	IndexedAt  time.Time  `json:"indexed_at"`
}

// QuarantinedEdge is an edge rejected because an endpoint did not exist.
type QuarantinedEdge struct {
	ID         int64     `json:"id"`
	Edge       Edge      `json:"edge"`
	Reason     string    `json:"reason"`
	RecordedAt time.Time `json:"recorded_at"`
}
