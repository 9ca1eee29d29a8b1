package query

import (
	"fmt"
	"strings"
)

// Dialect spells sort directives for a particular board engine. Range filters
// (`field:<=value`) share one syntax across the supported engines, sort
// directives do not.
type Dialect interface {
	// SortToken renders the sort directive for field/direction.
	SortToken(field string, descending bool) string
	// ParseSort recognizes a sort directive. ok is false when token is not a
	// sort directive at all; err is set when it is one but malformed.
	ParseSort(token string) (field string, descending bool, ok bool, err error)
}

// SortTagDialect is the Gelbooru spelling: `sort:<field>[:asc|:desc]`.
type SortTagDialect struct{}

// SortToken implements Dialect.
func (SortTagDialect) SortToken(field string, descending bool) string {
	dir := "asc"
	if descending {
		dir = "desc"
	}
	return "sort:" + field + ":" + dir
}

// ParseSort implements Dialect. Any third part other than "asc" keeps the
// default descending order, matching how the site itself reads the token.
func (SortTagDialect) ParseSort(token string) (string, bool, bool, error) {
	if !strings.HasPrefix(token, "sort:") {
		return "", false, false, nil
	}
	parts := strings.Split(token, ":")
	if len(parts) > 3 || parts[1] == "" {
		return "", false, true, fmt.Errorf("%w: sort directive %q", ErrInvalidToken, token)
	}
	descending := true
	if len(parts) == 3 && parts[2] == "asc" {
		descending = false
	}
	return parts[1], descending, true, nil
}

// OrderTagDialect is the Moebooru (yande.re, konachan) spelling:
// `order:<field>[_asc|_desc]`. A bare `order:id` is ascending while a bare
// `order:score` is descending, so rendering always picks the explicit form
// whenever the bare one would mean something else.
type OrderTagDialect struct{}

var bareOrderDescending = map[string]bool{
	"id":    false,
	"score": true,
}

// SortToken implements Dialect.
func (OrderTagDialect) SortToken(field string, descending bool) string {
	if bare, ok := bareOrderDescending[field]; ok && bare == descending {
		return "order:" + field
	}
	if descending {
		return "order:" + field + "_desc"
	}
	return "order:" + field + "_asc"
}

// ParseSort implements Dialect.
func (OrderTagDialect) ParseSort(token string) (string, bool, bool, error) {
	if !strings.HasPrefix(token, "order:") {
		return "", false, false, nil
	}
	order := strings.TrimPrefix(token, "order:")
	if order == "" || strings.Contains(order, ":") {
		return "", false, true, fmt.Errorf("%w: order directive %q", ErrInvalidToken, token)
	}
	switch {
	case strings.HasSuffix(order, "_desc"):
		return strings.TrimSuffix(order, "_desc"), true, true, nil
	case strings.HasSuffix(order, "_asc"):
		return strings.TrimSuffix(order, "_asc"), false, true, nil
	}
	descending, known := bareOrderDescending[order]
	if !known {
		descending = true
	}
	return order, descending, true, nil
}
