// Package yandere implements crawler.Site for the Yande.re JSON API.
package yandere

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/booru-crawler/internal/crawler"
	"github.com/JakeFAU/booru-crawler/internal/query"
)

const (
	// Name labels the adapter in logs, metrics and configuration.
	Name = "yandere"
	// DefaultBaseURL is used when no site URL is configured.
	DefaultBaseURL = "https://yande.re"
	// DefaultLimit is the page size requested from post.json.
	DefaultLimit = 1000
	// DefaultRefreshPages is how often the driver should replace the session.
	DefaultRefreshPages = 2
	// DefaultTimeout bounds every request; list pages are large.
	DefaultTimeout = 30 * time.Second
)

var ratings = crawler.RatingMap{
	"s": crawler.RatingGeneral,
	"q": crawler.RatingQuestionable,
	"e": crawler.RatingExplicit,
}

// Config captures the adapter options.
type Config struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	// LowQuality downloads sample_url instead of file_url.
	LowQuality bool `mapstructure:"low_quality" yaml:"low_quality"`
	Limit      int  `mapstructure:"limit" yaml:"limit"`
}

// Post is one entry of the posts array. Only the fields the crawler reads
// are decoded.
type Post struct {
	ID        int64  `json:"id"`
	Tags      string `json:"tags"`
	Score     int    `json:"score"`
	Rating    string `json:"rating"`
	FileURL   string `json:"file_url"`
	SampleURL string `json:"sample_url"`
}

// TagType is a tag category. Older API versions send numbers.
type TagType string

// UnmarshalJSON accepts both strings and numbers.
func (t *TagType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = TagType(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("tag type %s: %w", data, err)
	}
	*t = TagType(n.String())
	return nil
}

type listResponse struct {
	Posts []Post             `json:"posts"`
	Tags  map[string]TagType `json:"tags"`
}

// entry is the candidate payload: the post plus the tag types of its page.
type entry struct {
	post  Post
	types map[string]string
}

// Site is the Yande.re adapter.
type Site struct {
	cfg Config
}

var _ crawler.Site = (*Site)(nil)

// New validates cfg and returns the adapter.
func New(cfg Config) (*Site, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse yandere base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid yandere base url %q: scheme and host are required", cfg.BaseURL)
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	return &Site{cfg: cfg}, nil
}

// Name implements crawler.Site.
func (s *Site) Name() string { return Name }

// Dialect implements crawler.Site.
func (s *Site) Dialect() query.Dialect { return query.OrderTagDialect{} }

// FirstPage is page number one.
func (s *Site) FirstPage() crawler.PageToken { return 1 }

// NextPage moves to the following page number.
func (s *Site) NextPage(current crawler.PageToken, _ int) crawler.PageToken { return current + 1 }

// ListURL renders the post.json address.
func (s *Site) ListURL(encodedQuery string, page crawler.PageToken) string {
	return fmt.Sprintf("%s/post.json?api_version=2&include_tags=1&limit=%d&tags=%s&page=%d",
		s.cfg.BaseURL, s.cfg.Limit, encodedQuery, page)
}

// FetchPage loads one page of posts. The board has no depth cap.
func (s *Site) FetchPage(ctx context.Context, fetcher crawler.Fetcher, encodedQuery string, page crawler.PageToken) (crawler.Page, error) {
	resp, err := fetcher.Fetch(ctx, crawler.FetchRequest{
		URL:  s.ListURL(encodedQuery, page),
		Kind: crawler.FetchPage,
	})
	if err != nil {
		return crawler.Page{}, fmt.Errorf("fetch post list: %w", err)
	}
	var payload listResponse
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return crawler.Page{}, fmt.Errorf("decode post list: %w", err)
	}
	if len(payload.Posts) == 0 {
		return crawler.Page{}, nil
	}

	types := make(map[string]string, len(payload.Tags))
	for tag, typ := range payload.Tags {
		types[normalize(tag)] = string(typ)
	}
	candidates := make([]crawler.Candidate, 0, len(payload.Posts))
	for _, p := range payload.Posts {
		candidates = append(candidates, crawler.Candidate{
			Ref:  strconv.FormatInt(p.ID, 10),
			Data: entry{post: p, types: types},
		})
	}
	return crawler.Page{Candidates: candidates}, nil
}

// CandidateID implements crawler.Site.
func (s *Site) CandidateID(c crawler.Candidate) (string, error) {
	e, err := asEntry(c)
	if err != nil {
		return "", err
	}
	if e.post.ID <= 0 {
		return "", fmt.Errorf("%w: post without id", crawler.ErrContract)
	}
	return strconv.FormatInt(e.post.ID, 10), nil
}

// Extract reads everything from the list payload; no request is made.
func (s *Site) Extract(_ context.Context, _ crawler.Fetcher, c crawler.Candidate) (crawler.Extraction, error) {
	e, err := asEntry(c)
	if err != nil {
		return crawler.Extraction{}, err
	}
	assetURL := e.post.FileURL
	if s.cfg.LowQuality {
		assetURL = e.post.SampleURL
	}
	if assetURL == "" {
		return crawler.Extraction{}, fmt.Errorf("%w: post %d has no asset url", crawler.ErrContract, e.post.ID)
	}

	collector := crawler.NewTagCollector()
	for _, raw := range strings.Fields(e.post.Tags) {
		tag := normalize(raw)
		if tag == "" {
			continue
		}
		typ, ok := e.types[tag]
		if !ok {
			return crawler.Extraction{}, fmt.Errorf("%w: no tag type for %q", crawler.ErrContract, tag)
		}
		collector.Add(typ, tag)
	}

	return crawler.Extraction{
		AssetURL:    assetURL,
		Tags:        collector.Groups(),
		RatingToken: e.post.Rating,
		Score:       e.post.Score,
	}, nil
}

// Rating implements crawler.Site.
func (s *Site) Rating(token string) (crawler.Rating, error) {
	return ratings.Normalize(token)
}

// RecheckKnown is always false; identifiers are never reused here.
func (s *Site) RecheckKnown(string) bool { return false }

func asEntry(c crawler.Candidate) (entry, error) {
	e, ok := c.Data.(entry)
	if !ok {
		return entry{}, fmt.Errorf("%w: candidate %q was not produced by this adapter", crawler.ErrContract, c.Ref)
	}
	return e, nil
}

func normalize(tag string) string {
	return strings.Trim(strings.ReplaceAll(tag, ",", ""), "_")
}
