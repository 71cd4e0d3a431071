// Package pagination handles limit/offset query parameters and the list
// envelope returned by collection endpoints.
package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

type Params struct {
	Limit  int
	Offset int
}

// FromContext reads ?limit= and ?offset=. Missing or malformed values fall
// back to the defaults; limit is capped at MaxLimit.
func FromContext(c echo.Context) Params {
	return Params{
		Limit:  clamp(queryInt(c, "limit", DefaultLimit), 1, MaxLimit, DefaultLimit),
		Offset: max(queryInt(c, "offset", 0), 0),
	}
}

func queryInt(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func clamp(n, lo, hi, fallback int) int {
	switch {
	case n < lo:
		return fallback
	case n > hi:
		return hi
	}
	return n
}

// End is the exclusive end index of the page within total items.
func (p Params) End(total int) int {
	if p.Limit <= 0 {
		return total
	}
	return min(p.Offset+p.Limit, total)
}

func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}

// Window returns the page of items selected by limit and offset. A
// non-positive limit selects everything from offset on.
func Window[T any](items []T, limit, offset int) []T {
	p := Params{Limit: limit, Offset: max(offset, 0)}
	if p.Offset >= len(items) {
		return []T{}
	}
	return items[p.Offset:p.End(len(items))]
}

type Response struct {
	Data       any  `json:"data"`
	Total      int  `json:"total"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"has_more"`
	NextOffset *int `json:"next_offset,omitempty"`
}

func NewResponse(data any, total int, p Params) *Response {
	r := &Response{Data: data, Total: total, Limit: p.Limit, Offset: p.Offset}
	if p.HasNext(total) {
		next := p.NextOffset()
		r.HasMore = true
		r.NextOffset = &next
	}
	return r
}
