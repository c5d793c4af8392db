package store

import (
	"crypto/sha256"
	"fmt"
	"strconv"
)

// EdgeID derives a stable edge identifier from the source key, kind and
// reference text. The destination is not hashed, so an edge keeps its ID
// when resolution retargets it between a placeholder and a real node.
func EdgeID(src string, kind EdgeKind, ref string) string {
	h := sha256.New()
	fmt.Fprintf(h, "src:%s\n", src)
	fmt.Fprintf(h, "kind:%s\n", kind)
	fmt.Fprintf(h, "ref:%s\n", ref)
	return fmt.Sprintf("%x", h.Sum(nil)[:16])
}

// NodeKey builds the stable key of a defined entity. ordinal disambiguates
// entities sharing file, kind and qualified name; it is omitted when zero.
func NodeKey(file string, kind NodeKind, qualifiedName string, ordinal int) string {
	key := file + "#" + string(kind) + "#" + qualifiedName
	if ordinal > 0 {
		key += "#" + strconv.Itoa(ordinal)
	}
	return key
}

const placeholderPrefix = "unknown::"

// PlaceholderKey is the key of the Unknown node standing in for ref.
func PlaceholderKey(ref string) string {
	return placeholderPrefix + ref
}

// Placeholder builds the Unknown node for an unresolved reference.
func Placeholder(ref string) Node {
	return Node{
		Key:           PlaceholderKey(ref),
		Kind:          KindUnknown,
		Name:          RefName(ref),
		QualifiedName: ref,
		State:         StateCurrent,
		Action:        ActionNone,
	}
}
