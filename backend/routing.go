package backend

import "strings"

// SplitEntityPrefix splits a prefixed identifier "<child>/<local...>" on
// its first '/' only: the leftmost segment names an immediate child,
// there is no search and no recursive re-splitting of the remainder. An
// id with no '/' has no child prefix.
func SplitEntityPrefix(id string) (childID, localID string, ok bool) {
	idx := strings.IndexByte(id, '/')
	if idx < 0 {
		return "", "", false
	}
	return id[:idx], id[idx+1:], true
}

// PrefixedID re-prefixes a local identifier with the child backend name
// it came from, the inverse of SplitEntityPrefix. A nil/empty prefix
// returns id unchanged.
func PrefixedID(id, prefix string) string {
	if prefix == "" {
		return id
	}
	return prefix + "/" + id
}
