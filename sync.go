package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	classOfficial = "official"
	classVerified = "verified"
)

// Products known to be too large to scan in reasonable time.
var excludedVerifiedRepos = []string{"store/saplabs/hanaexpressxsa", "store/ibmcorp/db2wh_ce", "store/ibmcorp/db2wh_ee"}

type syncer struct {
	class string
	cl    pullClient
	hub   *hubClient
	meta  *metaClient
}

// syncClass populates the class's parent database from scratch when none
// exists, or reconciles the existing one against the live catalog. On
// completion the database file is renamed to carry the completion
// timestamp, which makes it the current database for the class. Catalog
// failures and an unreadable database are fatal to the run; per-repository
// and per-tag failures are logged and skipped so a multi-hour pass keeps
// its partial progress.
func syncClass(ctx context.Context, class string) error {
	cl, err := newPullClient()
	if err != nil {
		return fmt.Errorf("connecting to docker engine: %v", err)
	}
	s := &syncer{class: class, cl: cl, hub: newHubClient(), meta: newMetaClient()}

	path, err := currentDBFile(class)
	if err != nil {
		return err
	}
	if path == "" {
		log.Printf("no %s database has been found so it will be populated from scratch", class)
		if err := os.MkdirAll(dbDir(), 0755); err != nil {
			return fmt.Errorf("creating database directory: %v", err)
		}
		path = filepath.Join(dbDir(), dbFilename(class, time.Now()))
		db := ParentDB{}
		if err := db.Write(path); err != nil {
			return err
		}
		if err := s.populate(ctx, db, path); err != nil {
			return err
		}
	} else {
		log.Printf("the %s database %s already exists and will be updated", class, filepath.Base(path))
		db, err := loadDB(path)
		if err != nil {
			return err
		}
		if err := s.update(ctx, db, path); err != nil {
			return err
		}
	}

	// Stamp the file with the completion time: the new sync cursor.
	newPath := filepath.Join(dbDir(), dbFilename(class, time.Now()))
	if newPath != path {
		if err := os.Rename(path, newPath); err != nil {
			return fmt.Errorf("renaming database: %v", err)
		}
	}
	log.Printf("%s database is now %s", class, filepath.Base(newPath))
	return nil
}

// catalog lists the class's repositories as currently published upstream.
func (s *syncer) catalog(ctx context.Context) ([]hubProduct, error) {
	if s.class == classOfficial {
		log.Printf("retrieving official repositories")
		names, err := s.hub.officialRepos(ctx)
		if err != nil {
			return nil, err
		}
		products := make([]hubProduct, len(names))
		for i, name := range names {
			products[i] = hubProduct{Name: name}
		}
		return products, nil
	}
	log.Printf("retrieving verified repositories")
	return s.hub.verifiedProducts(ctx)
}

func (s *syncer) populate(ctx context.Context, db ParentDB, path string) error {
	catalog, err := s.catalog(ctx)
	if err != nil {
		return fmt.Errorf("%s repositories could not be retrieved from the hub: %v", s.class, err)
	}
	if len(catalog) == 0 {
		return fmt.Errorf("%s repositories could not be retrieved from the hub", s.class)
	}
	log.Printf("total retrieved: %d", len(catalog))

	for _, p := range catalog {
		if err := ctx.Err(); err != nil {
			return err
		}
		images := s.scanRepo(ctx, p)
		if len(images) == 0 {
			// E.g. only images for incompatible platforms.
			continue
		}
		db[p.Name] = images
		if err := db.Write(path); err != nil {
			log.Printf("writing database: %v", err)
		}
		metricSyncRepo.WithLabelValues(s.class, "new").Inc()
	}
	return nil
}

// scanRepo gathers all of a repository's images. Failures are logged, not
// returned: one broken repository must not end the pass.
func (s *syncer) scanRepo(ctx context.Context, p hubProduct) []*Image {
	for _, excluded := range excludedVerifiedRepos {
		if p.Name == excluded {
			log.Printf("repository %s excluded", p.Name)
			return nil
		}
	}
	var images []*Image
	var err error
	if s.class == classOfficial {
		images, err = s.scanOfficialRepo(ctx, p.Name)
	} else {
		images, err = s.scanVerifiedRepo(ctx, p.Name)
	}
	if err != nil && ctx.Err() == nil {
		log.Printf("could not retrieve repository %s: %v", p.Name, err)
		metricSyncRepo.WithLabelValues(s.class, "failed").Inc()
	}
	return images
}

// scanOfficialRepo walks a repository's tags one by one: extract layers,
// drop tags that are duplicate publishes of content already seen, and look
// up last-modified and creation times for the rest.
func (s *syncer) scanOfficialRepo(ctx context.Context, repo string) ([]*Image, error) {
	hubRepo := "library/" + repo
	log.Printf("retrieving all tags in repository %s", repo)
	tags, err := s.hub.repoTags(ctx, hubRepo)
	if err != nil {
		return nil, err
	}
	log.Printf("tags retrieved: %d", len(tags))

	var images []*Image
	for _, t := range tags {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		log.Printf("retrieving %s:%s", repo, t.Name)
		layers, err := extractLayers(ctx, s.cl, repo, t.Name)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		dup := false
		for _, img := range images {
			if img.Layers.Equal(layers) {
				log.Printf("%s already retrieved for %s", layers, repo)
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		detail, err := s.hub.tagDetail(ctx, hubRepo, t.Name)
		if err != nil {
			log.Printf("tag detail for %s:%s: %v", repo, t.Name, err)
			continue
		}
		created, err := s.meta.created(ctx, hubRepo, t.Name)
		if err != nil || created == 0 {
			log.Printf("no creation time for %s:%s, skipping", repo, t.Name)
			continue
		}
		images = append(images, &Image{Layers: layers, Tag: t.Name, LastUpdated: detail.LastUpdated.Epoch(), Created: created})
	}
	return images, nil
}

// scanVerifiedRepo discovers a repository whose tags the catalog API cannot
// enumerate, by pulling all of it and segmenting the stream. Identical
// content under multiple tags is kept once.
func (s *syncer) scanVerifiedRepo(ctx context.Context, repo string) ([]*Image, error) {
	log.Printf("retrieving all tags in repository %s", repo)
	all, err := extractRepository(ctx, s.cl, repo)
	if err != nil {
		return nil, err
	}
	var images []*Image
Image:
	for _, img := range all {
		for _, have := range images {
			if have.Layers.Equal(img.Layers) {
				log.Printf("%s already retrieved for %s", img.Layers, repo)
				continue Image
			}
		}
		images = append(images, img)
	}
	return images, nil
}

func (s *syncer) update(ctx context.Context, db ParentDB, path string) error {
	catalog, err := s.catalog(ctx)
	if err != nil {
		return fmt.Errorf("%s repositories could not be retrieved from the hub: %v", s.class, err)
	}
	if len(catalog) == 0 {
		return fmt.Errorf("%s repositories could not be retrieved from the hub", s.class)
	}

	// Phase 1: repositories published since the last sync.
	var fresh []hubProduct
	for _, p := range catalog {
		if _, ok := db[p.Name]; !ok {
			fresh = append(fresh, p)
		}
	}
	if len(fresh) == 0 {
		log.Printf("no new repository has emerged")
	} else {
		names := make([]string, len(fresh))
		for i, p := range fresh {
			names[i] = p.Name
		}
		log.Printf("new repositories have emerged: %s", strings.Join(names, ", "))
		for _, p := range fresh {
			if err := ctx.Err(); err != nil {
				return err
			}
			images := s.scanRepo(ctx, p)
			if len(images) == 0 {
				log.Printf("could not retrieve repository %s", p.Name)
				continue
			}
			db[p.Name] = images
			if err := db.Write(path); err != nil {
				log.Printf("writing database: %v", err)
			}
			metricSyncRepo.WithLabelValues(s.class, "new").Inc()
		}
	}

	// Phase 2: staleness per already known repository.
	if s.class == classOfficial {
		return s.updateOfficial(ctx, db, path)
	}
	return s.updateVerified(ctx, db, path, catalog)
}

// watermark computes the staleness baseline: the highest last_updated among
// a repository's records. The record list is not chronological, so we keep
// scanning while records raise the watermark, and stop once `window`
// records in a row failed to raise it, assuming the remainder is older
// still. Changes confined to records beyond the window therefore go
// undetected; accepted trade-off for repositories with thousands of stale
// tags.
func watermark(records []*Image, window int) int64 {
	var wm int64
	n := 0
	for _, img := range records {
		if n >= window {
			break
		}
		if img.LastUpdated > wm {
			wm = img.LastUpdated
		} else {
			n++
		}
	}
	return wm
}

func (s *syncer) updateOfficial(ctx context.Context, db ParentDB, path string) error {
	for _, repo := range sortedKeys(db) {
		if err := ctx.Err(); err != nil {
			return err
		}
		log.Printf("checking %s ...", repo)
		hubRepo := "library/" + repo

		latest, err := s.hub.latestTag(ctx, hubRepo)
		if err != nil || latest == "" {
			log.Printf("no latest tag for %s: %v", repo, err)
			metricSyncRepo.WithLabelValues(s.class, "failed").Inc()
			continue
		}
		detail, err := s.hub.tagDetail(ctx, hubRepo, latest)
		if err != nil {
			log.Printf("tag detail for %s:%s: %v", repo, latest, err)
			metricSyncRepo.WithLabelValues(s.class, "failed").Inc()
			continue
		}
		if detail.LastUpdated.Epoch() <= watermark(db[repo], config.LookbackWindow) {
			log.Printf("repository %s up to date", repo)
			metricSyncRepo.WithLabelValues(s.class, "uptodate").Inc()
			continue
		}

		log.Printf("images have emerged or have been updated in repository %s", repo)
		if err := s.refreshOfficialRepo(ctx, db, repo); err != nil {
			if ctx.Err() != nil {
				return err
			}
			log.Printf("updating repository %s: %v", repo, err)
			metricSyncRepo.WithLabelValues(s.class, "failed").Inc()
		} else {
			metricSyncRepo.WithLabelValues(s.class, "refreshed").Inc()
		}
		if err := db.Write(path); err != nil {
			log.Printf("writing database: %v", err)
		}
	}
	return nil
}

// refreshOfficialRepo re-walks a stale repository's upstream tags, bounded
// by the lookback window, classifying each against the stored records:
// unchanged content gets at most a timestamp refresh, a tag that moved to
// new content replaces its record, and content seen under no record at all
// is appended as a brand-new image.
func (s *syncer) refreshOfficialRepo(ctx context.Context, db ParentDB, repo string) error {
	hubRepo := "library/" + repo
	tags, err := s.hub.repoTags(ctx, hubRepo)
	if err != nil {
		return err
	}

	added := map[string]bool{} // layer sequences added or replaced during this pass
	n := 0                     // tags processed whose content was already known
	for _, t := range tags {
		if n >= config.LookbackWindow {
			// The remaining tags are too old to have been updated.
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		layers, err := extractLayers(ctx, s.cl, repo, t.Name)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		updated := false
		var kept []*Image
		for _, rec := range db[repo] {
			switch {
			case rec.Layers.Equal(layers):
				// Content unchanged; refresh the timestamp if the tag moved.
				if detail, err := s.hub.tagDetail(ctx, hubRepo, t.Name); err == nil {
					if lu := detail.LastUpdated.Epoch(); lu > rec.LastUpdated {
						log.Printf("updating image's timestamp: %s:%s", repo, t.Name)
						rec.LastUpdated = lu
					}
				} else {
					log.Printf("tag detail for %s:%s: %v", repo, t.Name, err)
				}
				updated = true
				n++
				kept = append(kept, rec)
			case rec.Tag == t.Name:
				// Same tag, different content: the image was rebuilt.
				if added[layers.String()] {
					// Its new content was just recorded through another
					// tag; keeping this record would duplicate it.
					log.Printf("dropping superseded record %s:%s", repo, rec.Tag)
					continue
				}
				detail, err := s.hub.tagDetail(ctx, hubRepo, t.Name)
				if err != nil || detail.LastUpdated.IsZero() {
					kept = append(kept, rec)
					continue
				}
				log.Printf("updating image: %s:%s", repo, t.Name)
				rec.Layers = layers
				rec.LastUpdated = detail.LastUpdated.Epoch()
				updated = true
				added[layers.String()] = true
				kept = append(kept, rec)
			default:
				kept = append(kept, rec)
			}
		}
		db[repo] = kept

		if !updated && !added[layers.String()] {
			detail, err := s.hub.tagDetail(ctx, hubRepo, t.Name)
			if err != nil || detail.LastUpdated.IsZero() {
				continue
			}
			created, err := s.meta.created(ctx, hubRepo, t.Name)
			if err != nil || created == 0 {
				log.Printf("no creation time for %s:%s, skipping", repo, t.Name)
				continue
			}
			log.Printf("adding new image: %s:%s", repo, t.Name)
			db.Insert(repo, &Image{Layers: layers, Tag: t.Name, LastUpdated: detail.LastUpdated.Epoch(), Created: created})
			added[layers.String()] = true
		}
	}
	return nil
}

// updateVerified checks each known verified repository's default tag: when
// neither that tag nor its content is among the stored records, the
// repository changed and is re-scanned wholesale.
func (s *syncer) updateVerified(ctx context.Context, db ParentDB, path string, catalog []hubProduct) error {
	byName := map[string]hubProduct{}
	for _, p := range catalog {
		byName[p.Name] = p
	}

	for _, repo := range sortedKeys(db) {
		if err := ctx.Err(); err != nil {
			return err
		}
		log.Printf("checking %s ...", repo)
		p, ok := byName[repo]
		if !ok || p.Slug == "" {
			log.Printf("%s: no longer in the catalog, keeping as is", repo)
			continue
		}
		detail, err := s.hub.productDetail(ctx, p.Slug)
		if err != nil {
			log.Printf("product detail for %s: %v", repo, err)
			metricSyncRepo.WithLabelValues(s.class, "failed").Inc()
			continue
		}
		_, latest := detail.pullTarget(p.Slug)
		if latest == "" {
			log.Printf("the latest tag could not be retrieved for the repository %s, defaulting to latest", repo)
			latest = "latest"
		}

		layers, err := extractLayers(ctx, s.cl, repo, latest)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("could not retrieve the bottom layer for %s:%s", repo, latest)
			metricSyncRepo.WithLabelValues(s.class, "failed").Inc()
			continue
		}

		inDB := false
		for _, rec := range db[repo] {
			if rec.Tag == latest || rec.Layers.Equal(layers) {
				inDB = true
				break
			}
		}
		if inDB {
			log.Printf("repository %s up to date", repo)
			metricSyncRepo.WithLabelValues(s.class, "uptodate").Inc()
			continue
		}

		log.Printf("images have been updated in repository %s", repo)
		images, err := s.scanVerifiedRepo(ctx, repo)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("could not retrieve repository %s: %v", repo, err)
			metricSyncRepo.WithLabelValues(s.class, "failed").Inc()
			continue
		}
		if len(images) == 0 {
			// Never wipe previously persisted records on a failed re-scan.
			log.Printf("re-scan of %s yielded no images, keeping existing records", repo)
			continue
		}
		db[repo] = images
		if err := db.Write(path); err != nil {
			log.Printf("writing database: %v", err)
		}
		metricSyncRepo.WithLabelValues(s.class, "refreshed").Inc()
	}
	return nil
}

func sortedKeys(db ParentDB) []string {
	keys := make([]string, 0, len(db))
	for k := range db {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
