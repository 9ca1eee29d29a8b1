// Package query builds the tag search string sent to image boards and
// rewrites its pagination bound when the board refuses to page any deeper.
package query

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Configuration errors raised while parsing or rewriting a query.
var (
	ErrInvalidToken         = errors.New("invalid search token")
	ErrWhitespaceTag        = errors.New("tag contains whitespace")
	ErrDuplicateSort        = errors.New("more than one sort directive")
	ErrConflictingBound     = errors.New("more than one bound filter on the sort field")
	ErrUnsupportedSortField = errors.New("unsupported sort field")
	ErrMissingBoundSource   = errors.New("no candidate reached yet to bound the query")
)

const (
	// FieldID is the post identifier sort field.
	FieldID = "id"
	// FieldScore is the post score sort field.
	FieldScore = "score"

	separator = "+"
)

var (
	filterPattern     = regexp.MustCompile(`^([a-z]+):([<>]?)(=?)(\S*)$`)
	whitespacePattern = regexp.MustCompile(`\s`)
)

// BoundSource exposes the furthest point a crawl has reached in sort order.
type BoundSource interface {
	LastReachedID() (string, bool)
	LastReachedScore() (int, bool)
}

type boundStrategy func(BoundSource) (string, error)

var boundStrategies = map[string]boundStrategy{
	FieldID: func(src BoundSource) (string, error) {
		id, ok := src.LastReachedID()
		if !ok {
			return "", fmt.Errorf("%w: last reached id is unset", ErrMissingBoundSource)
		}
		return id, nil
	},
	FieldScore: func(src BoundSource) (string, error) {
		score, ok := src.LastReachedScore()
		if !ok {
			return "", fmt.Errorf("%w: last reached score is unset", ErrMissingBoundSource)
		}
		return strconv.Itoa(score), nil
	},
}

// SupportsBound reports whether field has a registered bound strategy.
func SupportsBound(field string) bool {
	_, ok := boundStrategies[field]
	return ok
}

// Sort is the single ordering directive of a query.
type Sort struct {
	Field      string
	Descending bool
}

// Filter is a range constraint such as `id:<=1000`.
type Filter struct {
	Field   string
	Less    bool
	OrEqual bool
	Value   string
}

// Operator returns the comparison operator of the filter.
func (f Filter) Operator() string {
	op := ">"
	if f.Less {
		op = "<"
	}
	if f.OrEqual {
		op += "="
	}
	return op
}

// String renders the filter in board syntax.
func (f Filter) String() string {
	return f.Field + ":" + f.Operator() + f.Value
}

// SearchQuery is the ordered set of directives sent as the `tags` parameter.
type SearchQuery struct {
	dialect Dialect
	sort    Sort
	filters []Filter
	bound   *Filter
	tags    []string
}

// Parse builds a SearchQuery from user supplied tokens.
func Parse(tokens []string, dialect Dialect) (*SearchQuery, error) {
	q := &SearchQuery{dialect: dialect}
	sortSeen := false
	for _, raw := range tokens {
		token := strings.ToLower(strings.TrimSpace(raw))
		if token == "" {
			continue
		}
		if whitespacePattern.MatchString(token) {
			return nil, fmt.Errorf("%w: %q (use \"_\" instead of spaces)", ErrWhitespaceTag, token)
		}
		field, descending, isSort, err := dialect.ParseSort(token)
		if err != nil {
			return nil, err
		}
		if isSort {
			if sortSeen {
				return nil, fmt.Errorf("%w: %q", ErrDuplicateSort, token)
			}
			if !SupportsBound(field) {
				return nil, fmt.Errorf("%w: %q", ErrUnsupportedSortField, field)
			}
			q.sort = Sort{Field: field, Descending: descending}
			sortSeen = true
			continue
		}
		filter, isFilter, err := parseFilter(token)
		if err != nil {
			return nil, err
		}
		if isFilter {
			q.filters = append(q.filters, filter)
			continue
		}
		q.tags = append(q.tags, token)
	}
	if !sortSeen {
		q.sort = Sort{Field: FieldID, Descending: true}
	}
	if err := q.extractBound(); err != nil {
		return nil, err
	}
	return q, nil
}

// ParseEncoded is the inverse of Encode.
func ParseEncoded(encoded string, dialect Dialect) (*SearchQuery, error) {
	if encoded == "" {
		return Parse(nil, dialect)
	}
	parts := strings.Split(encoded, separator)
	tokens := make([]string, 0, len(parts))
	for _, part := range parts {
		token, err := url.QueryUnescape(part)
		if err != nil {
			return nil, fmt.Errorf("%w: unescape %q: %v", ErrInvalidToken, part, err)
		}
		tokens = append(tokens, token)
	}
	return Parse(tokens, dialect)
}

func parseFilter(token string) (Filter, bool, error) {
	m := filterPattern.FindStringSubmatch(token)
	if m == nil {
		return Filter{}, false, nil
	}
	field, cmp, eq, value := m[1], m[2], m[3], m[4]
	if value == "" {
		return Filter{}, false, fmt.Errorf("%w: filter %q has no value", ErrInvalidToken, token)
	}
	if cmp == "" {
		if eq == "" {
			// plain `key:value` tags such as rating:safe
			return Filter{}, false, nil
		}
		return Filter{}, false, fmt.Errorf("%w: filter %q has no comparison", ErrInvalidToken, token)
	}
	return Filter{Field: field, Less: cmp == "<", OrEqual: eq != "", Value: value}, true, nil
}

// extractBound moves the filter sharing the sort field and direction out of
// the plain filters.
func (q *SearchQuery) extractBound() error {
	kept := q.filters[:0]
	for _, f := range q.filters {
		if f.Field == q.sort.Field && f.Less == q.sort.Descending {
			if q.bound != nil {
				return fmt.Errorf("%w: %q and %q", ErrConflictingBound, q.bound.String(), f.String())
			}
			bound := f
			q.bound = &bound
			continue
		}
		kept = append(kept, f)
	}
	q.filters = kept
	return nil
}

// Sort returns the sort directive.
func (q *SearchQuery) Sort() Sort { return q.sort }

// Filters returns a copy of the non-bound range filters.
func (q *SearchQuery) Filters() []Filter { return append([]Filter(nil), q.filters...) }

// Bound returns the sort-associated bound filter, if any.
func (q *SearchQuery) Bound() (Filter, bool) {
	if q.bound == nil {
		return Filter{}, false
	}
	return *q.bound, true
}

// Tags returns a copy of the free-form tag tokens.
func (q *SearchQuery) Tags() []string { return append([]string(nil), q.tags...) }

// Tokens returns the unescaped tokens in wire order.
func (q *SearchQuery) Tokens() []string {
	tokens := make([]string, 0, 2+len(q.filters)+len(q.tags))
	tokens = append(tokens, q.dialect.SortToken(q.sort.Field, q.sort.Descending))
	for _, f := range q.filters {
		tokens = append(tokens, f.String())
	}
	if q.bound != nil {
		tokens = append(tokens, q.bound.String())
	}
	return append(tokens, q.tags...)
}

// Encode renders the query as the percent-encoded `tags` parameter value.
func (q *SearchQuery) Encode() string {
	tokens := q.Tokens()
	for i, t := range tokens {
		tokens[i] = url.QueryEscape(t)
	}
	return strings.Join(tokens, separator)
}

// String is the human readable form used in logs.
func (q *SearchQuery) String() string {
	return strings.Join(q.Tokens(), " ")
}

// RewriteBound replaces the bound filter so the next page request resumes
// just past the furthest candidate reached. It is called only after the board
// reported a depth cap.
func (q *SearchQuery) RewriteBound(src BoundSource) error {
	strategy, ok := boundStrategies[q.sort.Field]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedSortField, q.sort.Field)
	}
	value, err := strategy(src)
	if err != nil {
		return err
	}
	q.bound = &Filter{
		Field:   q.sort.Field,
		Less:    q.sort.Descending,
		OrEqual: true,
		Value:   value,
	}
	return nil
}
