package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/shirou/gopsutil/disk"
)

// We learn an image's layer identity by starting a pull and watching the
// progress events: every layer is announced ("Pulling fs layer" or "Already
// exists") before any layer content is transferred, so we abort the moment
// downloading starts and never pay for the bytes.

var (
	errIncompatiblePlatform = errors.New("image cannot be used on this platform")
	errAuthRequired         = errors.New("authentication required")
	errExtractionFailed     = errors.New("layer extraction failed")
)

// pullClient is the part of the docker engine API we drive. *client.Client
// implements it; tests use a fake.
type pullClient interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error)
	ImageHistory(ctx context.Context, imageID string, opts ...client.ImageHistoryOption) ([]image.HistoryResponseItem, error)
}

func newPullClient() (pullClient, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if config.DockerHost != "" {
		opts = append(opts, client.WithHost(config.DockerHost))
	}
	return client.NewClientWithOpts(opts...)
}

func registryAuth() string {
	if config.HubUsername == "" {
		return ""
	}
	s, err := registry.EncodeAuthConfig(registry.AuthConfig{Username: config.HubUsername, Password: config.HubPassword})
	if err != nil {
		logCheck(err, "encoding registry auth")
		return ""
	}
	return s
}

type pullEventKind int

const (
	eventOther pullEventKind = iota
	eventNewLayer
	eventLayerExists
	eventPullingFrom // Start of one tag's segment in a whole-repository pull. ID holds the tag.
	eventDownloading // Byte transfer starting: the layer identity is complete.
	eventDigest      // Segment/pull confirmed complete.
	eventError
)

type pullEvent struct {
	Kind pullEventKind
	ID   string
	Err  error
}

func classifyEvent(m jsonmessage.JSONMessage) pullEvent {
	if m.Error != nil {
		return pullEvent{Kind: eventError, Err: classifyPullError(m.Error.Message)}
	}
	if m.ErrorMessage != "" {
		return pullEvent{Kind: eventError, Err: classifyPullError(m.ErrorMessage)}
	}
	switch {
	case m.Status == "Pulling fs layer":
		return pullEvent{Kind: eventNewLayer, ID: m.ID}
	case m.Status == "Already exists":
		return pullEvent{Kind: eventLayerExists, ID: m.ID}
	case strings.HasPrefix(m.Status, "Pulling from "):
		return pullEvent{Kind: eventPullingFrom, ID: m.ID}
	case m.Status == "Downloading":
		return pullEvent{Kind: eventDownloading}
	case strings.HasPrefix(m.Status, "Digest:"):
		return pullEvent{Kind: eventDigest}
	}
	return pullEvent{Kind: eventOther}
}

// classifyPullError sorts registry error payloads into our taxonomy.
// Incompatible platforms are permanent for this run, missing logins must
// reach the operator, everything else is assumed transient.
func classifyPullError(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "cannot be used on this platform"), strings.Contains(lower, "no matching manifest"):
		return fmt.Errorf("%w: %s", errIncompatiblePlatform, msg)
	case strings.Contains(lower, "docker login"), strings.Contains(lower, "unauthorized"), strings.Contains(lower, "authentication required"):
		return fmt.Errorf("%w: %s", errAuthRequired, msg)
	}
	return errors.New(msg)
}

func retryWait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(config.RetryWaitSeconds) * time.Second):
		return nil
	}
}

// extractLayers returns the layer sequence of repo:tag (the registry's
// default tag resolution when tag is empty). Transient failures discard the
// accumulated sequence and retry the pull from scratch up to the configured
// attempt budget. Nothing is persisted locally by this path.
func extractLayers(ctx context.Context, cl pullClient, repo, tag string) (LayerSequence, error) {
	ref := repo
	if tag != "" {
		ref += ":" + tag
	}
	var lastErr error
	for attempt := 1; attempt <= config.PullAttempts; attempt++ {
		if attempt > 1 {
			metricExtract.WithLabelValues("retry").Inc()
			log.Printf("retrying to retrieve %s [%d/%d]", ref, attempt-1, config.PullAttempts-1)
			if err := retryWait(ctx); err != nil {
				return nil, err
			}
		}
		layers, err := pullLayers(ctx, cl, ref)
		if err == nil {
			metricExtract.WithLabelValues("ok").Inc()
			return layers, nil
		}
		if errors.Is(err, errIncompatiblePlatform) {
			metricExtract.WithLabelValues("skipped").Inc()
			log.Printf("incompatible platform for image %s", ref)
			return nil, err
		}
		if errors.Is(err, errAuthRequired) {
			metricExtract.WithLabelValues("failed").Inc()
			log.Printf("docker login required for image %s", ref)
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Printf("image retrieval failed for %s: %v", ref, err)
		lastErr = err
	}
	metricExtract.WithLabelValues("failed").Inc()
	return nil, fmt.Errorf("%w: %s after %d attempts: %v", errExtractionFailed, ref, config.PullAttempts, lastErr)
}

// pullLayers is a single pull attempt: accumulate one token per announced
// layer, stop as soon as transfer begins. A stream that ends cleanly without
// a transfer (fully cached image) still yields the full sequence.
func pullLayers(ctx context.Context, cl pullClient, ref string) (LayerSequence, error) {
	pctx, cancel := context.WithTimeout(ctx, time.Duration(config.PullTimeoutSeconds)*time.Second)
	defer cancel()

	rc, err := cl.ImagePull(pctx, ref, image.PullOptions{RegistryAuth: registryAuth()})
	if err != nil {
		return nil, classifyPullError(err.Error())
	}
	defer rc.Close()

	var layers LayerSequence
	dec := json.NewDecoder(rc)
	for {
		var m jsonmessage.JSONMessage
		if err := dec.Decode(&m); err != nil {
			if err == io.EOF {
				return layers, nil
			}
			return nil, fmt.Errorf("decoding pull stream: %v", err)
		}
		if debugFlag {
			log.Printf("pull %s: %s %s", ref, m.Status, m.ID)
		}
		switch ev := classifyEvent(m); ev.Kind {
		case eventNewLayer, eventLayerExists:
			layers = append(layers, ev.ID)
		case eventDownloading, eventDigest:
			return layers, nil
		case eventError:
			return nil, ev.Err
		}
	}
}

// extractRepository discovers every image in a repository whose tags cannot
// be enumerated through the catalog API, by pulling the repository with no
// tag pinned and segmenting the event stream at "Pulling from" boundaries.
// This variant does materialize images locally; they are deleted once their
// extraction is confirmed, eagerly mid-scan when disk use crosses the
// configured threshold, and in any case when the scan ends.
func extractRepository(ctx context.Context, cl pullClient, repo string) ([]*Image, error) {
	retrieved := map[string]string{} // local ref -> engine image id, for cleanup
	// Cleanup must still run when the scan was interrupted.
	defer removeRetrieved(context.WithoutCancel(ctx), cl, retrieved)

	var lastErr error
	for attempt := 1; attempt <= config.PullAttempts; attempt++ {
		if attempt > 1 {
			metricExtract.WithLabelValues("retry").Inc()
			log.Printf("retrying to retrieve all images in %s [%d/%d]", repo, attempt-1, config.PullAttempts-1)
			if err := retryWait(ctx); err != nil {
				return nil, err
			}
		}
		images, err := pullRepository(ctx, cl, repo, retrieved)
		if err == nil {
			metricExtract.WithLabelValues("ok").Inc()
			return images, nil
		}
		if errors.Is(err, errIncompatiblePlatform) {
			metricExtract.WithLabelValues("skipped").Inc()
			log.Printf("incompatible platform for repository %s", repo)
			return nil, err
		}
		if errors.Is(err, errAuthRequired) {
			metricExtract.WithLabelValues("failed").Inc()
			log.Printf("docker login required for repository %s", repo)
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Printf("repository retrieval failed for %s: %v", repo, err)
		lastErr = err
	}
	metricExtract.WithLabelValues("failed").Inc()
	return nil, fmt.Errorf("%w: repository %s after %d attempts: %v", errExtractionFailed, repo, config.PullAttempts, lastErr)
}

func pullRepository(ctx context.Context, cl pullClient, repo string, retrieved map[string]string) ([]*Image, error) {
	pctx, cancel := context.WithTimeout(ctx, time.Duration(config.PullTimeoutSeconds)*time.Second)
	defer cancel()

	rc, err := cl.ImagePull(pctx, repo, image.PullOptions{All: true, RegistryAuth: registryAuth()})
	if err != nil {
		return nil, classifyPullError(err.Error())
	}
	defer rc.Close()

	var images []*Image
	var cur LayerSequence
	var tag string
	dec := json.NewDecoder(rc)
	for {
		var m jsonmessage.JSONMessage
		if err := dec.Decode(&m); err != nil {
			if err == io.EOF {
				return images, nil
			}
			return nil, fmt.Errorf("decoding pull stream: %v", err)
		}
		switch ev := classifyEvent(m); ev.Kind {
		case eventPullingFrom:
			tag = ev.ID
			cur = nil
			log.Printf("retrieving %s:%s", repo, tag)
		case eventNewLayer, eventLayerExists:
			cur = append(cur, ev.ID)
		case eventDigest:
			// One tag's segment is complete.
			if len(cur) == 0 || tag == "" {
				log.Printf("layers already retrieved for %s", repo)
				continue
			}
			img, localID, err := inspectLocal(ctx, cl, repo, tag, cur)
			if err != nil {
				return nil, err
			}
			images = append(images, img)
			retrieved[repo+":"+tag] = localID
			evictOnDiskPressure(ctx, cl, retrieved)
			cur = nil
		case eventError:
			return nil, ev.Err
		}
	}
}

// How long to wait for the engine to index a freshly pulled image before
// looking again.
var engineIndexDelay = 10 * time.Second

// inspectLocal finds the just-pulled image in the local engine to read its
// creation time (and the top history entry's time, the closest thing the
// engine has to an upstream last-modified).
func inspectLocal(ctx context.Context, cl pullClient, repo, tag string, layers LayerSequence) (*Image, string, error) {
	ref := repo + ":" + tag
	var summary *image.Summary
	for i := 0; i < 3; i++ {
		list, err := cl.ImageList(ctx, image.ListOptions{Filters: filters.NewArgs(filters.Arg("reference", ref))})
		if err != nil {
			return nil, "", fmt.Errorf("listing image %s: %v", ref, err)
		}
		if len(list) > 0 {
			summary = &list[0]
			break
		}
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(engineIndexDelay):
		}
	}
	if summary == nil {
		return nil, "", fmt.Errorf("image %s not indexed by engine", ref)
	}
	img := &Image{Layers: layers, Tag: tag, Created: summary.Created, LastUpdated: summary.Created}
	if hist, err := cl.ImageHistory(ctx, summary.ID); err == nil && len(hist) > 0 {
		img.LastUpdated = hist[0].Created
	}
	return img, summary.ID, nil
}

// Replaced in tests.
var diskUsedPercent = func() (float64, error) {
	u, err := disk.Usage("/")
	if err != nil {
		return 0, err
	}
	return u.UsedPercent, nil
}

// evictOnDiskPressure deletes already processed images mid-scan once disk
// use crosses the threshold, so a long unattended run cannot fill the disk.
// Called after each successfully extracted image, not from a timer.
func evictOnDiskPressure(ctx context.Context, cl pullClient, retrieved map[string]string) {
	pct, err := diskUsedPercent()
	if err != nil {
		logCheck(err, "checking disk usage")
		return
	}
	if pct < float64(config.DiskUsagePercent) {
		return
	}
	for name, id := range retrieved {
		log.Printf("deleting %s to free disk space", name)
		if removeLocalImage(ctx, cl, name, id) {
			delete(retrieved, name)
		}
	}
}

func removeRetrieved(ctx context.Context, cl pullClient, retrieved map[string]string) {
	for name, id := range retrieved {
		log.Printf("deleting %s", name)
		for attempt := 1; attempt <= 3; attempt++ {
			if removeLocalImage(ctx, cl, name, id) {
				break
			}
			log.Printf("retrying to delete %s [%d/3]", name, attempt)
		}
	}
}

func removeLocalImage(ctx context.Context, cl pullClient, name, id string) bool {
	_, err := cl.ImageRemove(ctx, id, image.RemoveOptions{Force: true})
	if err != nil {
		log.Printf("image deletion failed for %s: %v", name, err)
		return false
	}
	return true
}
