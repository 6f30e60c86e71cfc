package pagination

import (
	"fmt"
	"net/url"
	"strconv"
)

// Page is one page of a limit/offset list endpoint.
type Page[T any] struct {
	Count    int     `json:"count,omitempty"`
	Results  []T     `json:"results"`
	Previous *string `json:"previous"`
	Next     *string `json:"next"`
}

// Cursor is the offset/limit pair of a page boundary.
type Cursor struct {
	Offset int
	Limit  int
}

// ParseCursor reads offset and limit from a page link. A nil or empty link means
// there is no page in that direction and yields nil. A missing offset is 0 and a
// missing limit is left 0 for the caller to fill.
func ParseCursor(link *string) (*Cursor, error) {
	if link == nil || *link == "" {
		return nil, nil
	}
	u, err := url.Parse(*link)
	if err != nil {
		return nil, fmt.Errorf("parse page link: %w", err)
	}
	q := u.Query()
	c := &Cursor{}
	if v := q.Get("offset"); v != "" {
		if c.Offset, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("page link offset %q: %w", v, err)
		}
	}
	if v := q.Get("limit"); v != "" {
		if c.Limit, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("page link limit %q: %w", v, err)
		}
	}
	return c, nil
}
