package crawler

import (
	"context"

	"github.com/JakeFAU/booru-crawler/internal/query"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Site is the capability set of one image board. Adding a board means
// implementing Site; the engine never branches on the board.
type Site interface {
	// Name is a short stable label used in logs and metrics.
	Name() string
	// Dialect spells the sort directive the board understands.
	Dialect() query.Dialect
	// FirstPage is the cursor the driver starts from and resets to after a
	// bound rewrite.
	FirstPage() PageToken
	// NextPage advances the cursor past a page holding fetched candidates.
	NextPage(current PageToken, fetched int) PageToken
	// FetchPage loads one page of search results for the encoded query.
	FetchPage(ctx context.Context, fetcher Fetcher, encodedQuery string, page PageToken) (Page, error)
	// CandidateID yields the post identifier of a candidate.
	CandidateID(c Candidate) (string, error)
	// Extract resolves asset URL, tags, rating token and score, issuing a
	// detail request when the page payload is not enough.
	Extract(ctx context.Context, fetcher Fetcher, c Candidate) (Extraction, error)
	// Rating maps the board's rating vocabulary onto Rating.
	Rating(token string) (Rating, error)
	// RecheckKnown reports whether an already known identifier should still
	// be visited to refresh the last reached score. Such visits never persist.
	RecheckKnown(id string) bool
}

// Hasher computes digests for exported artifacts.
type Hasher interface {
	Hash(data []byte) (string, error)
}
