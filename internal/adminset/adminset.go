// Package adminset holds the immutable set of administrator chat IDs.
package adminset

import (
	"strconv"
	"strings"
)

// Set is an immutable collection of numeric Telegram chat IDs designated as
// administrators. The zero value is an empty set.
type Set struct {
	ids []int64
	m   map[int64]struct{}
}

// Parse builds a Set from a comma- or whitespace-separated list of numeric
// IDs, the form it takes in the ADMIN_CHAT_IDS environment variable.
// Malformed entries are skipped.
func Parse(s string) *Set {
	set := &Set{m: make(map[int64]struct{})}
	for _, part := range strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	}) {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		if _, dup := set.m[id]; dup {
			continue
		}
		set.m[id] = struct{}{}
		set.ids = append(set.ids, id)
	}
	return set
}

// Contains reports whether id is a member of the set.
func (s *Set) Contains(id int64) bool {
	if s == nil {
		return false
	}
	_, ok := s.m[id]
	return ok
}

// IDs returns the member IDs in the order they were listed.
func (s *Set) IDs() []int64 {
	if s == nil {
		return nil
	}
	ids := make([]int64, len(s.ids))
	copy(ids, s.ids)
	return ids
}

// Len returns the number of members.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ids)
}
