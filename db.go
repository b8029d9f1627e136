package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Image is one known image in a repository: its structural identity (the
// layer sequence) plus the tag it was observed under and upstream
// timestamps, in UTC epoch seconds. Records with equal Layers denote the
// same content even under different tags, so at most one is kept per
// repository.
type Image struct {
	Layers      LayerSequence `json:"fs_layers"`
	Tag         string        `json:"image_tag"`
	LastUpdated int64         `json:"last_updated"`
	Created     int64         `json:"created"`
}

// ParentDB maps repository name to its known images, in discovery order. One
// database exists per class ("official", "verified"); resolution against one
// never consults the other. Only the synchronizer writes it.
type ParentDB map[string][]*Image

// Insert adds img to repo's records, unless a record with equal layers is
// already present: the same content published under another tag, which we
// log and skip.
func (db ParentDB) Insert(repo string, img *Image) bool {
	for _, have := range db[repo] {
		if have.Layers.Equal(img.Layers) {
			log.Printf("%s: layers %s already present under tag %q, skipping tag %q", repo, img.Layers, have.Tag, img.Tag)
			return false
		}
	}
	db[repo] = append(db[repo], img)
	return true
}

func loadDB(path string) (ParentDB, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading database: %w", err)
	}
	db := ParentDB{}
	if err := json.Unmarshal(buf, &db); err != nil {
		return nil, fmt.Errorf("parsing database %s: %w", path, err)
	}
	return db, nil
}

// Write serializes the whole database. We write a temp file and rename into
// place so an interrupted write never clobbers the previous state: a sync
// pass persists after every changed repository and can run for hours.
func (db ParentDB) Write(path string) error {
	buf, err := json.Marshal(db)
	if err != nil {
		return fmt.Errorf("marshal database: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0660); err != nil {
		return fmt.Errorf("writing database: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing database: %w", err)
	}
	return nil
}

const dbTimeFormat = "2006-01-02_15-04-05"

func dbDir() string {
	return filepath.Join(config.DataDir, "parent_db")
}

func dbFilename(class string, t time.Time) string {
	return fmt.Sprintf("parent_db_%s_%s.json", class, t.UTC().Format(dbTimeFormat))
}

// dbFileTime parses the timestamp encoded in a database filename for the
// given class. The encoded time doubles as the database's last-synchronized
// time (the sync cursor): a completed sync renames the file to the
// completion time.
func dbFileTime(class, name string) (time.Time, bool) {
	prefix := "parent_db_" + class + "_"
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
		return time.Time{}, false
	}
	ts := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json")
	t, err := time.ParseInLocation(dbTimeFormat, ts, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// currentDBFile returns the path of the class's database file with the most
// recent filename-encoded timestamp, or "" when none exists yet.
func currentDBFile(class string) (string, error) {
	entries, err := os.ReadDir(dbDir())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("listing database directory: %w", err)
	}
	var best string
	var bestTime time.Time
	for _, e := range entries {
		t, ok := dbFileTime(class, e.Name())
		if !ok {
			continue
		}
		if best == "" || t.After(bestTime) {
			best = e.Name()
			bestTime = t
		}
	}
	if best == "" {
		return "", nil
	}
	return filepath.Join(dbDir(), best), nil
}
