// Package gelbooru implements crawler.Site for Gelbooru style boards, which
// serve server rendered HTML list and post pages.
package gelbooru

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/booru-crawler/internal/crawler"
	"github.com/JakeFAU/booru-crawler/internal/query"
)

const (
	// Name labels the adapter in logs, metrics and configuration.
	Name = "gelbooru"
	// DefaultBaseURL is used when no site URL is configured.
	DefaultBaseURL = "https://gelbooru.com"
	// DefaultRecheckSuffix marks identifiers the board is known to reuse.
	DefaultRecheckSuffix = "99"
	// DefaultRefreshPages is how often the driver should replace the session.
	DefaultRefreshPages = 50
	// DefaultTimeout bounds every request.
	DefaultTimeout = 10 * time.Second

	tagTypePrefix = "tag-type-"
)

var idPattern = regexp.MustCompile(`id=(\d+)`)

var ratings = crawler.RatingMap{
	"safe":         crawler.RatingGeneral,
	"general":      crawler.RatingGeneral,
	"questionable": crawler.RatingQuestionable,
	"explicit":     crawler.RatingExplicit,
}

// Cookies are sent with every request so list pages are not filtered.
func Cookies() []*http.Cookie {
	return []*http.Cookie{{Name: "fringeBenefits", Value: "yup"}}
}

// Config captures the adapter options.
type Config struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	// LowQuality downloads the displayed sample instead of the original.
	LowQuality bool `mapstructure:"low_quality" yaml:"low_quality"`
	// RecheckSuffix selects known identifiers that are visited again to
	// refresh the last reached score. Empty disables rechecks.
	RecheckSuffix string `mapstructure:"recheck_suffix" yaml:"recheck_suffix"`
}

// Site is the Gelbooru adapter.
type Site struct {
	base *url.URL
	cfg  Config
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
		return nil, fmt.Errorf("parse gelbooru base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid gelbooru base url %q: scheme and host are required", cfg.BaseURL)
	}
	return &Site{base: base, cfg: cfg}, nil
}

// Name implements crawler.Site.
func (s *Site) Name() string { return Name }

// Dialect implements crawler.Site.
func (s *Site) Dialect() query.Dialect { return query.SortTagDialect{} }

// FirstPage is result offset zero.
func (s *Site) FirstPage() crawler.PageToken { return 0 }

// NextPage advances the offset by the number of posts seen.
func (s *Site) NextPage(current crawler.PageToken, fetched int) crawler.PageToken {
	return current + crawler.PageToken(fetched)
}

// ListURL renders the search page address.
func (s *Site) ListURL(encodedQuery string, page crawler.PageToken) string {
	return fmt.Sprintf("%s/index.php?page=post&s=list&tags=%s&pid=%d", s.cfg.BaseURL, encodedQuery, page)
}

// FetchPage loads one list page. A notice inside the thumbnail container
// means the board refuses to page deeper.
func (s *Site) FetchPage(ctx context.Context, fetcher crawler.Fetcher, encodedQuery string, page crawler.PageToken) (crawler.Page, error) {
	pageURL := s.ListURL(encodedQuery, page)
	resp, err := fetcher.Fetch(ctx, crawler.FetchRequest{URL: pageURL, Kind: crawler.FetchPage})
	if err != nil {
		return crawler.Page{}, fmt.Errorf("fetch list page: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return crawler.Page{}, fmt.Errorf("parse list page: %w", err)
	}
	container := doc.Find("div.thumbnail-container").First()
	if container.Length() == 0 {
		return crawler.Page{}, errors.New("thumbnail container not found")
	}
	if container.Find("div.notice.error").Length() > 0 {
		return crawler.Page{DepthCapHit: true}, nil
	}

	var candidates []crawler.Candidate
	container.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		ref, err := resolve(s.base, href)
		if err != nil || ref == "" {
			return
		}
		candidates = append(candidates, crawler.Candidate{Ref: ref})
	})
	return crawler.Page{Candidates: candidates}, nil
}

// CandidateID pulls the post id out of the detail page link.
func (s *Site) CandidateID(c crawler.Candidate) (string, error) {
	m := idPattern.FindStringSubmatch(c.Ref)
	if m == nil {
		return "", fmt.Errorf("%w: no post id in %q", crawler.ErrContract, c.Ref)
	}
	return m[1], nil
}

// Extract loads the post page and reads the asset link, tags, rating and
// score from it.
func (s *Site) Extract(ctx context.Context, fetcher crawler.Fetcher, c crawler.Candidate) (crawler.Extraction, error) {
	id, err := s.CandidateID(c)
	if err != nil {
		return crawler.Extraction{}, err
	}
	start := time.Now()
	resp, err := fetcher.Fetch(ctx, crawler.FetchRequest{URL: c.Ref, Kind: crawler.FetchDetail})
	if err != nil {
		return crawler.Extraction{}, fmt.Errorf("fetch post page: %w", err)
	}
	latency := time.Since(start)

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return crawler.Extraction{}, fmt.Errorf("parse post page: %w", err)
	}
	ex, err := s.parsePost(doc, id, c.Ref)
	if err != nil {
		return crawler.Extraction{}, err
	}
	ex.QueryLatency = latency
	return ex, nil
}

func (s *Site) parsePost(doc *goquery.Document, id, pageURL string) (crawler.Extraction, error) {
	if doc.Find("video#gelcomVideoPlayer").Length() > 0 {
		return crawler.Extraction{IsVideo: true}, nil
	}
	container := doc.Find("section.image-container, section.note-container").First()
	if container.Length() == 0 {
		return crawler.Extraction{}, fmt.Errorf("%w: no image container", crawler.ErrContract)
	}

	scoreText := strings.TrimSpace(doc.Find("span#psc" + id).First().Text())
	score, err := strconv.Atoi(scoreText)
	if err != nil {
		return crawler.Extraction{}, fmt.Errorf("%w: score %q: %v", crawler.ErrContract, scoreText, err)
	}

	var (
		href string
		ok   bool
	)
	if s.cfg.LowQuality {
		href, ok = container.Find("img#image").First().Attr("src")
	} else {
		doc.Find("a").EachWithBreak(func(_ int, a *goquery.Selection) bool {
			if strings.TrimSpace(a.Text()) != "Original image" {
				return true
			}
			href, ok = a.Attr("href")
			return false
		})
	}
	if !ok || href == "" {
		return crawler.Extraction{}, fmt.Errorf("%w: no asset link", crawler.ErrContract)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return crawler.Extraction{}, fmt.Errorf("%w: post url: %v", crawler.ErrContract, err)
	}
	assetURL, err := resolve(base, href)
	if err != nil {
		return crawler.Extraction{}, fmt.Errorf("%w: asset link %q: %v", crawler.ErrContract, href, err)
	}

	tags, err := parseTags(doc)
	if err != nil {
		return crawler.Extraction{}, err
	}
	rating, _ := container.Attr("data-rating")

	return crawler.Extraction{
		AssetURL:    assetURL,
		Tags:        tags,
		RatingToken: rating,
		Score:       score,
	}, nil
}

// parseTags groups the sidebar tags by the type encoded in each item's class.
func parseTags(doc *goquery.Document) (crawler.TagGroups, error) {
	list := doc.Find("ul#tag-list").First()
	if list.Length() == 0 {
		return nil, fmt.Errorf("%w: no tag list", crawler.ErrContract)
	}
	collector := crawler.NewTagCollector()
	list.Find("li").Each(func(_ int, li *goquery.Selection) {
		classes := strings.Fields(li.AttrOr("class", ""))
		if len(classes) != 1 || !strings.HasPrefix(classes[0], tagTypePrefix) {
			return
		}
		a := li.ChildrenFiltered("a").First()
		if a.Length() == 0 {
			return
		}
		tag := crawler.NormalizeTag(a.Contents().First().Text())
		if tag == "" {
			return
		}
		collector.Add(strings.TrimPrefix(classes[0], tagTypePrefix), tag)
	})
	return collector.Groups(), nil
}

// Rating implements crawler.Site.
func (s *Site) Rating(token string) (crawler.Rating, error) {
	return ratings.Normalize(token)
}

// RecheckKnown reports whether id carries the reuse suffix.
func (s *Site) RecheckKnown(id string) bool {
	return s.cfg.RecheckSuffix != "" && strings.HasSuffix(id, s.cfg.RecheckSuffix)
}

func resolve(base *url.URL, href string) (string, error) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", nil
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}
