package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestParseLayerSequence(t *testing.T) {
	l, err := parseLayerSequence(tok('a') + tok('b'))
	if err != nil {
		t.Fatalf("parsing layers: %v", err)
	}
	if want := (LayerSequence{tok('a'), tok('b')}); !l.Equal(want) {
		t.Fatalf("got %v, expected %v", l, want)
	}
	if l.String() != tok('a')+tok('b') {
		t.Fatalf("got %q back from String, expected concatenation", l.String())
	}

	if _, err := parseLayerSequence("tooshort"); err == nil {
		t.Fatalf("expected error for bad layer string length")
	}

	if !l.HasPrefix(LayerSequence{tok('a')}) {
		t.Fatalf("expected %v to have prefix %q", l, tok('a'))
	}
	if l.HasPrefix(LayerSequence{tok('a'), tok('b'), tok('c')}) {
		t.Fatalf("longer sequence cannot be a prefix")
	}

	buf, err := json.Marshal(l)
	if err != nil {
		t.Fatalf("marshal layers: %v", err)
	}
	if string(buf) != `"`+tok('a')+tok('b')+`"` {
		t.Fatalf("got %s, expected single concatenated string", buf)
	}
	var back LayerSequence
	if err := json.Unmarshal(buf, &back); err != nil {
		t.Fatalf("unmarshal layers: %v", err)
	}
	if !back.Equal(l) {
		t.Fatalf("got %v after round trip, expected %v", back, l)
	}
}

func TestInsert(t *testing.T) {
	db := ParentDB{}
	if !db.Insert("redis", &Image{Layers: LayerSequence{tok('a')}, Tag: "6"}) {
		t.Fatalf("first insert rejected")
	}
	// Same content under another tag is a duplicate publish.
	if db.Insert("redis", &Image{Layers: LayerSequence{tok('a')}, Tag: "6.0"}) {
		t.Fatalf("duplicate layers accepted")
	}
	if !db.Insert("redis", &Image{Layers: LayerSequence{tok('a'), tok('b')}, Tag: "7"}) {
		t.Fatalf("new layers rejected")
	}
	if len(db["redis"]) != 2 {
		t.Fatalf("got %d records, expected 2", len(db["redis"]))
	}
}

func TestDBRoundTrip(t *testing.T) {
	testConfig(t)
	db := ParentDB{
		"redis":  {{Layers: LayerSequence{tok('a'), tok('b')}, Tag: "7", LastUpdated: 1700000000, Created: 1600000000}},
		"ubuntu": {{Layers: LayerSequence{tok('c')}, Tag: "22.04", LastUpdated: 1700000001, Created: 1600000001}},
	}
	path := filepath.Join(t.TempDir(), "db.json")
	if err := db.Write(path); err != nil {
		t.Fatalf("writing database: %v", err)
	}
	back, err := loadDB(path)
	if err != nil {
		t.Fatalf("loading database: %v", err)
	}
	if diff := cmp.Diff(db, back); diff != "" {
		t.Fatalf("database changed across persist/load (-want +got):\n%s", diff)
	}
}

func TestDBFiles(t *testing.T) {
	testConfig(t)

	tm := time.Date(2023, 5, 1, 12, 30, 0, 0, time.UTC)
	name := dbFilename(classOfficial, tm)
	if name != "parent_db_official_2023-05-01_12-30-00.json" {
		t.Fatalf("got filename %q", name)
	}
	got, ok := dbFileTime(classOfficial, name)
	if !ok || !got.Equal(tm) {
		t.Fatalf("got %v %v back from filename, expected %v", got, ok, tm)
	}
	if _, ok := dbFileTime(classVerified, name); ok {
		t.Fatalf("filename accepted for wrong class")
	}
	if _, ok := dbFileTime(classOfficial, "parent_db_official_bogus.json"); ok {
		t.Fatalf("unparseable timestamp accepted")
	}

	// No directory yet: no current file, no error.
	path, err := currentDBFile(classOfficial)
	if err != nil || path != "" {
		t.Fatalf("got %q %v for missing directory, expected empty", path, err)
	}

	if err := os.MkdirAll(dbDir(), 0755); err != nil {
		t.Fatalf("creating database directory: %v", err)
	}
	old := filepath.Join(dbDir(), dbFilename(classOfficial, tm))
	newer := filepath.Join(dbDir(), dbFilename(classOfficial, tm.Add(time.Hour)))
	other := filepath.Join(dbDir(), dbFilename(classVerified, tm.Add(2*time.Hour)))
	for _, p := range []string{old, newer, other} {
		if err := os.WriteFile(p, []byte("{}"), 0660); err != nil {
			t.Fatalf("writing %s: %v", p, err)
		}
	}
	path, err = currentDBFile(classOfficial)
	if err != nil {
		t.Fatalf("locating current database: %v", err)
	}
	if path != newer {
		t.Fatalf("got %q, expected %q", path, newer)
	}
}
