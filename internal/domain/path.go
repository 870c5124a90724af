package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// PathSeparator joins ancestor ids at the storage boundary
const PathSeparator = "."

// Path is the materialized ancestor chain of a participant, ordered from the
// root down to the participant itself. It is kept as an explicit id list in
// memory and serialized to the dot-joined string only when reading from or
// writing to the store, so subtree checks are always segment based and never
// naive substring matches.
type Path []int64

// ParsePath parses a dot-joined materialized path as stored in the database
func ParsePath(s string) (Path, error) {
	if s == "" {
		return nil, fmt.Errorf("empty path")
	}
	segments := strings.Split(s, PathSeparator)
	p := make(Path, 0, len(segments))
	for _, seg := range segments {
		id, err := strconv.ParseInt(seg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad path segment %q: %w", seg, err)
		}
		p = append(p, id)
	}
	return p, nil
}

// NewPath builds the path for a node given its superior's path. A nil superior
// path produces a root path containing only the node itself.
func NewPath(superior Path, selfID int64) Path {
	p := make(Path, 0, len(superior)+1)
	p = append(p, superior...)
	return append(p, selfID)
}

// String serializes the path to its stored dot-joined form
func (p Path) String() string {
	segments := make([]string, len(p))
	for i, id := range p {
		segments[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(segments, PathSeparator)
}

// Depth is the number of ancestors above the node: segment count minus one
func (p Path) Depth() int {
	if len(p) == 0 {
		return 0
	}
	return len(p) - 1
}

// SelfID returns the trailing segment, the node's own id
func (p Path) SelfID() int64 {
	if len(p) == 0 {
		return 0
	}
	return p[len(p)-1]
}

// Contains reports whether id occurs as a segment of the path
func (p Path) Contains(id int64) bool {
	for _, seg := range p {
		if seg == id {
			return true
		}
	}
	return false
}

// Ancestors returns the path without the trailing self segment
func (p Path) Ancestors() Path {
	if len(p) <= 1 {
		return nil
	}
	out := make(Path, len(p)-1)
	copy(out, p[:len(p)-1])
	return out
}

// Rebase replaces the first strip segments of the path with the new prefix.
// It is used when a subtree moves under a new superior: the old ancestor
// prefix is cut off and the new superior's path is prepended.
func (p Path) Rebase(newPrefix Path, strip int) Path {
	if strip > len(p) {
		strip = len(p)
	}
	out := make(Path, 0, len(newPrefix)+len(p)-strip)
	out = append(out, newPrefix...)
	return append(out, p[strip:]...)
}

// SubtreePrefix returns the prefix string that anchors a subtree query on a
// segment boundary: matching "path.", never a bare substring, so sibling ids
// sharing numeric prefixes are not confused.
func (p Path) SubtreePrefix() string {
	return p.String() + PathSeparator
}
