package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestFindDuplicates(t *testing.T) {
	// bar republished foo's content later, under its own tag.
	db := ParentDB{
		"foo": {
			{Layers: LayerSequence{tok('x'), tok('y')}, Tag: "1.0", Created: 100},
			{Layers: LayerSequence{tok('z')}, Tag: "2.0", Created: 100},
		},
		"bar": {
			{Layers: LayerSequence{tok('x'), tok('y')}, Tag: "latest", Created: 200},
			{Layers: LayerSequence{tok('q')}, Tag: "other", Created: 200},
		},
	}

	dups := findDuplicates(db)
	want := []duplicate{
		{Canonical: "foo", CanonicalTag: "1.0", Derivative: "bar", DerivativeTag: "latest", Layers: LayerSequence{tok('x'), tok('y')}},
	}
	if diff := cmp.Diff(want, dups); diff != "" {
		t.Fatalf("duplicates (-want +got):\n%s", diff)
	}

	if removed := removeDuplicates(db, dups); removed != 1 {
		t.Fatalf("got %d removed, expected 1", removed)
	}
	if len(db["bar"]) != 1 || db["bar"][0].Tag != "other" {
		t.Fatalf("derivative record not removed, bar has %v", db["bar"])
	}
	if len(db["foo"]) != 2 {
		t.Fatalf("canonical records touched, foo has %v", db["foo"])
	}
}

func TestFindDuplicatesCreationOrder(t *testing.T) {
	// The older creation time decides the original, not the repository name.
	db := ParentDB{
		"aaa": {{Layers: LayerSequence{tok('x')}, Tag: "1", Created: 500}},
		"zzz": {{Layers: LayerSequence{tok('x')}, Tag: "9", Created: 100}},
	}
	dups := findDuplicates(db)
	want := []duplicate{
		{Canonical: "zzz", CanonicalTag: "9", Derivative: "aaa", DerivativeTag: "1", Layers: LayerSequence{tok('x')}},
	}
	if diff := cmp.Diff(want, dups); diff != "" {
		t.Fatalf("duplicates (-want +got):\n%s", diff)
	}
}

func TestCmdDupes(t *testing.T) {
	testConfig(t)
	if err := os.MkdirAll(dbDir(), 0755); err != nil {
		t.Fatalf("creating database directory: %v", err)
	}
	path := filepath.Join(dbDir(), dbFilename(classOfficial, time.Now()))
	db := ParentDB{
		"foo": {{Layers: LayerSequence{tok('x')}, Tag: "1.0", Created: 100}},
		"bar": {{Layers: LayerSequence{tok('x')}, Tag: "latest", Created: 200}},
	}
	if err := db.Write(path); err != nil {
		t.Fatalf("writing database: %v", err)
	}

	if err := cmdDupes(classOfficial, true); err != nil {
		t.Fatalf("dupes: %v", err)
	}

	// Pruning edits the current file in place, without bumping its
	// timestamp.
	got, err := loadDB(path)
	if err != nil {
		t.Fatalf("loading database: %v", err)
	}
	want := ParentDB{
		"foo": {{Layers: LayerSequence{tok('x')}, Tag: "1.0", Created: 100}},
		"bar": {},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("database (-want +got):\n%s", diff)
	}

	if err := cmdDupes(classVerified, false); err == nil {
		t.Fatalf("expected error for class without a database")
	}
}
