package main

import (
	"testing"
)

func TestResolveParent(t *testing.T) {
	db := ParentDB{
		"base": {{Layers: LayerSequence{tok('a')}, Tag: "1.0"}},
		"mid":  {{Layers: LayerSequence{tok('a'), tok('b')}, Tag: "2.0"}},
		"leaf": {{Layers: LayerSequence{tok('a'), tok('b'), tok('c')}, Tag: "3.0"}},
	}

	check := func(owner string, target LayerSequence, expParent Parent, expFound bool) {
		t.Helper()
		parent, found := resolveParent(db, owner, target)
		if found != expFound {
			t.Fatalf("got found %v, expected %v, for %s %v", found, expFound, owner, target)
		}
		if parent != expParent {
			t.Fatalf("got parent %v, expected %v, for %s %v", parent, expParent, owner, target)
		}
	}

	// The longest matching prefix wins, not the first.
	check("other", LayerSequence{tok('a'), tok('b'), tok('c'), tok('d')}, Parent{"leaf", "3.0"}, true)
	check("other", LayerSequence{tok('a'), tok('b'), tok('d')}, Parent{"mid", "2.0"}, true)
	check("other", LayerSequence{tok('a'), tok('d')}, Parent{"base", "1.0"}, true)

	// A record equal to the full target also counts.
	check("other", LayerSequence{tok('a'), tok('b')}, Parent{"mid", "2.0"}, true)

	// The image's own repository never answers.
	check("mid", LayerSequence{tok('a'), tok('b')}, Parent{"base", "1.0"}, true)

	check("other", LayerSequence{tok('z')}, Parent{}, false)
	check("other", nil, Parent{}, false)
}

func TestResolveParentTieBreak(t *testing.T) {
	db := ParentDB{
		"beta":  {{Layers: LayerSequence{tok('a'), tok('b')}, Tag: "b"}},
		"alpha": {{Layers: LayerSequence{tok('a'), tok('b')}, Tag: "a"}},
	}
	target := LayerSequence{tok('a'), tok('b'), tok('c')}

	// Equal prefix length: the smallest repository name answers, every run.
	for i := 0; i < 10; i++ {
		parent, found := resolveParent(db, "other", target)
		if !found || parent != (Parent{"alpha", "a"}) {
			t.Fatalf("got %v %v, expected alpha:a", parent, found)
		}
	}

	// A longer prefix still beats the tie winner.
	db["zeta"] = []*Image{{Layers: LayerSequence{tok('a'), tok('b'), tok('c')}, Tag: "z"}}
	parent, found := resolveParent(db, "other", target)
	if !found || parent != (Parent{"zeta", "z"}) {
		t.Fatalf("got %v %v, expected zeta:z", parent, found)
	}
}
