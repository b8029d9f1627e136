package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// Client for the hub's search/repository/tags APIs. Two API generations are
// involved: v2 knows official (and community) repositories and carries
// per-tag last_updated timestamps; the v1 products API is the only way to
// find verified/certified products and their default tags.
type hubClient struct {
	baseURL string
	client  *http.Client
}

func newHubClient() *hubClient {
	return &hubClient{
		baseURL: strings.TrimSuffix(config.HubURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Requests are fetched in pages of this many objects.
const hubPageSize = 50

func (c *hubClient) getJSON(ctx context.Context, api, url string, target any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "lineage/"+version)
	resp, err := c.client.Do(req)
	if err != nil {
		metricHubRequest.WithLabelValues(api, "error").Inc()
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		metricHubRequest.WithLabelValues(api, fmt.Sprintf("%d", resp.StatusCode)).Inc()
		return fmt.Errorf("%s: http status %s", url, resp.Status)
	}
	metricHubRequest.WithLabelValues(api, "ok").Inc()
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("parsing response for %s: %v", url, err)
	}
	return nil
}

// Timestamps come as RFC3339 with fractional seconds, or null/absent for
// images too old to have one. We keep them as epoch seconds, zero when
// absent.
type hubTime struct{ time.Time }

func (t *hubTime) UnmarshalJSON(buf []byte) error {
	var s *string
	if err := json.Unmarshal(buf, &s); err != nil {
		return err
	}
	if s == nil || *s == "" || *s == "null" {
		t.Time = time.Time{}
		return nil
	}
	tm, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return fmt.Errorf("parsing hub time %q: %v", *s, err)
	}
	t.Time = tm
	return nil
}

func (t hubTime) Epoch() int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

type hubTag struct {
	Name        string  `json:"name"`
	LastUpdated hubTime `json:"last_updated"`
}

// Indexed by the search API but not containing real images.
var excludedOfficialRepos = []string{"scratch", "rocket.chat"}

// officialRepos lists all official repository names (the "library"
// namespace) through the paginated v2 search API.
func (c *hubClient) officialRepos(ctx context.Context) ([]string, error) {
	searchURL := func(pageSize, page int) string {
		return fmt.Sprintf("%s/v2/search/repositories/?query=library&is_official=true&page_size=%d&page=%d", c.baseURL, pageSize, page)
	}
	var probe struct {
		Count int `json:"count"`
	}
	if err := c.getJSON(ctx, "search-v2", searchURL(1, 1), &probe); err != nil {
		return nil, err
	}
	var repos []string
	for page := 1; page <= pageCount(probe.Count); page++ {
		var result struct {
			Results []struct {
				RepoName string `json:"repo_name"`
			} `json:"results"`
		}
		if err := c.getJSON(ctx, "search-v2", searchURL(hubPageSize, page), &result); err != nil {
			return nil, err
		}
	Result:
		for _, r := range result.Results {
			for _, excluded := range excludedOfficialRepos {
				if r.RepoName == excluded {
					continue Result
				}
			}
			repos = append(repos, r.RepoName)
		}
	}
	return repos, nil
}

// repoTags lists all tags of a repository (name including namespace, e.g.
// "library/redis"), most recently pushed first, through the paginated tags
// API.
func (c *hubClient) repoTags(ctx context.Context, repo string) ([]hubTag, error) {
	tagsURL := func(pageSize, page int) string {
		return fmt.Sprintf("%s/v2/repositories/%s/tags/?page_size=%d&page=%d", c.baseURL, repo, pageSize, page)
	}
	var probe struct {
		Count  int    `json:"count"`
		Detail string `json:"detail"`
	}
	if err := c.getJSON(ctx, "tags", tagsURL(1, 1), &probe); err != nil {
		return nil, err
	}
	if probe.Detail != "" {
		return nil, fmt.Errorf("tags api for %s: %s", repo, probe.Detail)
	}
	var tags []hubTag
	for page := 1; page <= pageCount(probe.Count); page++ {
		var result struct {
			Results []hubTag `json:"results"`
		}
		if err := c.getJSON(ctx, "tags", tagsURL(hubPageSize, page), &result); err != nil {
			return nil, err
		}
		if len(result.Results) == 0 {
			log.Printf("%s: empty page %d from tags api", repo, page)
			continue
		}
		tags = append(tags, result.Results...)
	}
	return tags, nil
}

// tagDetail fetches a single tag object, for its last_updated timestamp.
func (c *hubClient) tagDetail(ctx context.Context, repo, tag string) (hubTag, error) {
	url := fmt.Sprintf("%s/v2/repositories/%s/tags/%s", c.baseURL, repo, tag)
	var result struct {
		hubTag
		Detail string `json:"detail"`
	}
	if err := c.getJSON(ctx, "tags", url, &result); err != nil {
		return hubTag{}, err
	}
	if result.Detail != "" {
		return hubTag{}, fmt.Errorf("tag %s:%s: %s", repo, tag, result.Detail)
	}
	return result.hubTag, nil
}

// latestTag returns the repository's most recently pushed tag, "" when the
// repository has none.
func (c *hubClient) latestTag(ctx context.Context, repo string) (string, error) {
	tags, err := c.repoTags(ctx, repo)
	if err != nil {
		return "", err
	}
	if len(tags) == 0 {
		return "", nil
	}
	return tags[0].Name, nil
}

// hubProduct is a verified or certified product: the repository name to pull
// from, its default tag, and the slug the v1 products API addresses it by.
type hubProduct struct {
	Name string
	Tag  string
	Slug string
}

type productDetail struct {
	Message         string `json:"message"`
	FullDescription string `json:"full_description"`
	Plans           []struct {
		CertificationStatus string `json:"certification_status"`
		Repositories        []struct {
			Namespace string `json:"namespace"`
			Reponame  string `json:"reponame"`
		} `json:"repositories"`
		Versions []struct {
			Tags []struct {
				Value string `json:"value"`
			} `json:"tags"`
		} `json:"versions"`
	} `json:"plans"`
}

func (c *hubClient) productDetail(ctx context.Context, slug string) (*productDetail, error) {
	url := fmt.Sprintf("%s/api/content/v1/products/images/%s", c.baseURL, slug)
	var detail productDetail
	if err := c.getJSON(ctx, "products", url, &detail); err != nil {
		return nil, err
	}
	if detail.Message != "" {
		return nil, fmt.Errorf("product %s: %s", slug, detail.Message)
	}
	return &detail, nil
}

// The microsoft products don't publish usable plan/version/tag data, only a
// description with explicit pull instructions.
var (
	msPullNameRE = regexp.MustCompile(`docker pull ([.\w/-]+)`)
	msPullTagRE  = regexp.MustCompile(`docker pull .*?:([.\w:-]+)`)
)

// pullTarget derives the pullable repository name and default tag of a
// product. Returns an empty name for products without images or pull
// instructions.
func (d *productDetail) pullTarget(slug string) (name, tag string) {
	if strings.Contains(slug, "microsoft") {
		m := msPullNameRE.FindStringSubmatch(d.FullDescription)
		if m == nil {
			return "", ""
		}
		name = m[1]
		tag = "latest"
		if tm := msPullTagRE.FindStringSubmatch(d.FullDescription); tm != nil {
			tag = tm[1]
		}
		return name, tag
	}
	if len(d.Plans) == 0 || len(d.Plans[0].Repositories) == 0 {
		return "", ""
	}
	plan := d.Plans[0]
	repo := plan.Repositories[0]
	name = repo.Namespace + "/" + repo.Reponame
	tag = "latest"
	if len(plan.Versions) > 0 && len(plan.Versions[0].Tags) > 0 && plan.Versions[0].Tags[0].Value != "" {
		tag = plan.Versions[0].Tags[0].Value
	}
	return name, tag
}

// verifiedProducts lists all verified and certified products through the
// paginated v1 search API. Official results turned up by the store filter
// are skipped, as are products without pull targets.
func (c *hubClient) verifiedProducts(ctx context.Context) ([]hubProduct, error) {
	var products []hubProduct
	seen := map[string]bool{}
	seenName := map[string]bool{} // microsoft lists the same pull target under several products
	for _, filter := range []string{"image_filter=store", "certification_status=certified"} {
		searchURL := func(pageSize, page int) string {
			return fmt.Sprintf("%s/api/content/v1/products/search?q=&type=image&%s&page_size=%d&page=%d", c.baseURL, filter, pageSize, page)
		}
		var probe struct {
			Count int `json:"count"`
		}
		if err := c.getJSON(ctx, "search-v1", searchURL(1, 1), &probe); err != nil {
			return nil, err
		}
		for page := 1; page <= pageCount(probe.Count); page++ {
			var result struct {
				Summaries []struct {
					Name string `json:"name"`
					Slug string `json:"slug"`
				} `json:"summaries"`
			}
			if err := c.getJSON(ctx, "search-v1", searchURL(hubPageSize, page), &result); err != nil {
				return nil, err
			}
			for _, s := range result.Summaries {
				if seen[s.Slug] {
					continue
				}
				seen[s.Slug] = true
				detail, err := c.productDetail(ctx, s.Slug)
				if err != nil {
					log.Printf("product %s: %v", s.Slug, err)
					continue
				}
				if len(detail.Plans) > 0 && len(detail.Plans[0].Repositories) > 0 && detail.Plans[0].Repositories[0].Namespace == "library" {
					// Official, not verified; the store filter includes both.
					continue
				}
				name, tag := detail.pullTarget(s.Slug)
				if name == "" {
					log.Printf("product %s skipped (no images or pull instructions)", s.Slug)
					continue
				}
				if seenName[name] {
					continue
				}
				seenName[name] = true
				products = append(products, hubProduct{Name: name, Tag: tag, Slug: s.Slug})
			}
		}
	}
	return products, nil
}

func pageCount(total int) int {
	n := total / hubPageSize
	if total%hubPageSize > 0 {
		n++
	}
	return n
}
