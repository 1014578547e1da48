// Package pagination provides utilities for handling pagination parameters in web APIs.
// It extracts page, limit and sortBy from URL query strings, validates them,
// and calculates offsets for database queries.
package pagination

import (
	"math"
	"net/url"
	"strconv"
	"strings"
)

// Params represents pagination parameters extracted from a request.
type Params struct {
	Page      int32  // Current page number (1-based)
	Limit     int32  // Number of items per page
	Offset    int32  // Calculated offset for database queries
	SortField string // Field name from sortBy, empty for the caller's default
	SortDesc  bool   // True when sortBy ends in ":desc"
}

const (
	// MaxLimit is the maximum number of items allowed per page
	MaxLimit int32 = 100
	// DefaultPage is the default page number when not specified
	DefaultPage int32 = 1
	// DefaultLimit is the default number of items per page when not specified
	DefaultLimit int32 = 10
)

// calculateOffset computes the database offset for a given page and limit.
// It ensures page is at least 1 to avoid negative offsets and saturates at
// math.MaxInt32, which lies past any result set.
func calculateOffset(page, limit int32) int32 {
	if page < 1 {
		page = 1
	}
	offset := int64(page-1) * int64(limit)
	if offset > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(offset)
}

// PaginationOption is a function type for configuring pagination parameters.
// It follows the functional options pattern for flexible configuration.
type PaginationOption func(*Params)

// WithDefaultLimit returns a PaginationOption that sets the default limit.
// The limit is only applied if it's greater than 0.
func WithDefaultLimit(limit int32) PaginationOption {
	return func(p *Params) {
		if limit > 0 {
			p.Limit = limit
		}
	}
}

// WithDefaultSort returns a PaginationOption that sets the sort used when
// the request has no valid sortBy.
func WithDefaultSort(field string, desc bool) PaginationOption {
	return func(p *Params) {
		p.SortField = field
		p.SortDesc = desc
	}
}

// GetPaginationParams extracts pagination parameters from URL query values.
// sortBy has the form "field" or "field:asc|desc" and is ignored unless
// field is one of allowed.
func GetPaginationParams(q url.Values, allowed []string, opts ...PaginationOption) *Params {
	params := &Params{
		Page:  DefaultPage,
		Limit: DefaultLimit,
	}

	for _, opt := range opts {
		opt(params)
	}

	if pageStr := q.Get("page"); pageStr != "" {
		if val, err := strconv.ParseInt(pageStr, 10, 32); err == nil && val > 0 {
			params.Page = int32(val)
		}
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		if val, err := strconv.ParseInt(limitStr, 10, 32); err == nil && val > 0 {
			params.Limit = int32(val)
		}
	}

	// enforce max limit
	if params.Limit > MaxLimit {
		params.Limit = MaxLimit
	}

	params.Offset = calculateOffset(params.Page, params.Limit)

	if field, desc, ok := parseSort(q.Get("sortBy"), allowed); ok {
		params.SortField = field
		params.SortDesc = desc
	}

	return params
}

func parseSort(raw string, allowed []string) (string, bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, false
	}
	field, order, _ := strings.Cut(raw, ":")
	var desc bool
	switch strings.ToLower(order) {
	case "", "asc":
	case "desc":
		desc = true
	default:
		return "", false, false
	}
	for _, name := range allowed {
		if name == field {
			return field, desc, true
		}
	}
	return "", false, false
}

// TotalPages returns the number of pages needed for total items.
func TotalPages(total, limit int32) int32 {
	if limit <= 0 || total <= 0 {
		return 0
	}
	return (total + limit - 1) / limit
}

// GetHasNext determines if there are more items available after the current page.
// It returns true when the offset plus limit is less than the total count.
func GetHasNext(offset, limit, count int32) bool {
	return (offset + limit) < count
}
