package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client for the secondary image-metadata API, which knows per-version
// creation times the hub's own tag API does not expose. A version groups the
// tags pointing at the same content.
type metaClient struct {
	baseURL string
	client  *http.Client
}

func newMetaClient() *metaClient {
	return &metaClient{
		baseURL: strings.TrimSuffix(config.MetadataURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type metaVersion struct {
	Created hubTime `json:"Created"`
	Tags    []struct {
		Tag string `json:"tag"`
	} `json:"Tags"`
}

// created returns the creation time, in epoch seconds, of the image version
// currently carrying the given tag. Zero when the API doesn't know the
// repository or tag.
func (c *metaClient) created(ctx context.Context, repo, tag string) (int64, error) {
	url := fmt.Sprintf("%s/v1/images/%s", c.baseURL, repo)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", "lineage/"+version)
	resp, err := c.client.Do(req)
	if err != nil {
		metricHubRequest.WithLabelValues("metadata", "error").Inc()
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		metricHubRequest.WithLabelValues("metadata", fmt.Sprintf("%d", resp.StatusCode)).Inc()
		return 0, fmt.Errorf("%s: http status %s", url, resp.Status)
	}
	metricHubRequest.WithLabelValues("metadata", "ok").Inc()
	var result struct {
		Versions []metaVersion `json:"Versions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("parsing metadata for %s: %v", repo, err)
	}
	for _, v := range result.Versions {
		for _, t := range v.Tags {
			if t.Tag == tag {
				return v.Created.Epoch(), nil
			}
		}
	}
	return 0, nil
}
