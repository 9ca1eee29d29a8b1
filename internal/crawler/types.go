package crawler

import (
	"net/http"
	"time"
)

// FetchKind labels a request so latency and timeouts can be told apart.
type FetchKind string

// Fetch kinds issued by the engine.
const (
	FetchPage   FetchKind = "page"
	FetchDetail FetchKind = "detail"
	FetchAsset  FetchKind = "asset"
)

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Kind    FetchKind
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// PageToken is the adapter-defined pagination cursor. Gelbooru uses a result
// offset, Yande.re a page number; the engine only hands it back.
type PageToken int

// Candidate is one raw search result entry. Only the owning Site interprets
// Data; the engine sees the reference string in logs.
type Candidate struct {
	Ref  string
	Data any
}

// Page is one page of search results.
type Page struct {
	Candidates  []Candidate
	DepthCapHit bool
}

// Extraction holds the fields an adapter pulled out of a candidate.
type Extraction struct {
	AssetURL    string
	Tags        TagGroups
	RatingToken string
	Score       int
	IsVideo     bool
	// QueryLatency is the detail request time, zero when none was needed.
	QueryLatency time.Duration
}

// TagCount returns the number of distinct tags across all groups.
func (e Extraction) TagCount() int {
	return e.Tags.Count()
}

// IngestRecord is the metadata persisted next to every asset.
type IngestRecord struct {
	ImageID string    `json:"image_id"`
	Score   int       `json:"score"`
	Rating  Rating    `json:"rating"`
	Tags    TagGroups `json:"tags"`
}
