package main

import (
	"sort"
)

// Parent is a repository+tag whose full layer sequence is an exact prefix of
// another image's sequence.
type Parent struct {
	Name string `json:"name"`
	Tag  string `json:"tag"`
}

// resolveParent finds the closest known ancestor of an image: the record,
// in any repository other than owner, whose complete layer sequence equals
// the longest possible prefix of target. We walk every prefix of target from
// shortest to longest and keep overwriting the answer on each match, so the
// final answer is the longest (structurally closest) one. Multiple
// repositories can match the same prefix length; the lexicographically
// smallest repository name wins then, so answers are stable across runs.
func resolveParent(db ParentDB, owner string, target LayerSequence) (Parent, bool) {
	candidates := make([]string, 0, len(db))
	for repo := range db {
		if repo != owner {
			candidates = append(candidates, repo)
		}
	}
	sort.Strings(candidates)

	var parent Parent
	var found bool
	for n := 1; n <= len(target); n++ {
		prefix := target[:n]
		for _, repo := range candidates {
			matched := false
			for _, img := range db[repo] {
				if img.Layers.Equal(prefix) {
					parent = Parent{Name: repo, Tag: img.Tag}
					found = true
					matched = true
					break
				}
			}
			if matched {
				// Only a strictly longer prefix may replace this answer.
				break
			}
		}
	}
	return parent, found
}
