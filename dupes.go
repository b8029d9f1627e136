package main

import (
	"fmt"
	"log"
	"sort"
)

// duplicate is identical content published by two repositories. The record
// created first is the legitimate original; the other is a derivative
// republish and not a true parent candidate.
type duplicate struct {
	Canonical     string // repository owning the older record
	CanonicalTag  string
	Derivative    string // repository owning the newer record
	DerivativeTag string
	Layers        LayerSequence
}

// findDuplicates reports, for every pair of records in different
// repositories with equal layer sequences, which of the two is the
// derivative republish: the one with the later creation time. Repositories
// are compared in sorted order so the report is stable.
func findDuplicates(db ParentDB) []duplicate {
	repos := sortedKeys(db)
	var dups []duplicate
	for i, repo := range repos {
		for _, other := range repos[i+1:] {
			for _, img := range db[repo] {
				for _, o := range db[other] {
					if !img.Layers.Equal(o.Layers) {
						continue
					}
					d := duplicate{Canonical: repo, CanonicalTag: img.Tag, Derivative: other, DerivativeTag: o.Tag, Layers: img.Layers}
					if img.Created > o.Created {
						d.Canonical, d.CanonicalTag = other, o.Tag
						d.Derivative, d.DerivativeTag = repo, img.Tag
					}
					dups = append(dups, d)
				}
			}
		}
	}
	sort.Slice(dups, func(i, j int) bool {
		if dups[i].Derivative != dups[j].Derivative {
			return dups[i].Derivative < dups[j].Derivative
		}
		return dups[i].DerivativeTag < dups[j].DerivativeTag
	})
	return dups
}

// removeDuplicates drops every derivative record from the database,
// returning how many were removed.
func removeDuplicates(db ParentDB, dups []duplicate) int {
	removed := 0
	for _, d := range dups {
		records := db[d.Derivative]
		for i, rec := range records {
			if rec.Tag == d.DerivativeTag && rec.Layers.Equal(d.Layers) {
				db[d.Derivative] = append(records[:i:i], records[i+1:]...)
				removed++
				break
			}
		}
	}
	return removed
}

// cmdDupes prints the duplicate report for a class's current database, and
// with remove set prunes the derivatives and persists the result under the
// same file name (a maintenance edit, not a sync, so no timestamp bump).
func cmdDupes(class string, remove bool) error {
	path, err := currentDBFile(class)
	if err != nil {
		return err
	}
	if path == "" {
		return fmt.Errorf("no %s database found", class)
	}
	db, err := loadDB(path)
	if err != nil {
		return err
	}

	dups := findDuplicates(db)
	for _, d := range dups {
		log.Printf("resolving duplicates between %s:%s and %s:%s - %s", d.Canonical, d.CanonicalTag, d.Derivative, d.DerivativeTag, d.Layers)
		fmt.Printf("%s:%s duplicates %s:%s (%s)\n", d.Derivative, d.DerivativeTag, d.Canonical, d.CanonicalTag, d.Layers)
	}
	if len(dups) == 0 {
		fmt.Println("no duplicates")
		return nil
	}
	if !remove {
		return nil
	}

	removed := removeDuplicates(db, dups)
	if err := db.Write(path); err != nil {
		return err
	}
	fmt.Printf("removed %d duplicate records\n", removed)
	return nil
}
