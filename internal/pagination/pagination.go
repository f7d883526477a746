package pagination

import "math"

// Request is a 1-based page selection.
type Request struct {
	Page     int
	PageSize int
}

// New clamps non-positive values up to 1.
func New(page, pageSize int) Request {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}
	return Request{Page: page, PageSize: pageSize}
}

// Offset saturates at math.MaxInt, which selects an empty page.
func (r Request) Offset() int {
	if r.PageSize > 0 && r.Page-1 > math.MaxInt/r.PageSize {
		return math.MaxInt
	}
	return (r.Page - 1) * r.PageSize
}

func (r Request) Limit() int {
	return r.PageSize
}

// Page is one slice of an ordered result. TotalCount counts every row matching
// the filter, not only the rows in Items.
type Page[T any] struct {
	Page       int `json:"page"`
	PageSize   int `json:"pageSize"`
	TotalCount int `json:"totalCount"`
	Items      []T `json:"items"`
}

func NewPage[T any](req Request, total int, items []T) Page[T] {
	if items == nil {
		items = []T{}
	}
	return Page[T]{
		Page:       req.Page,
		PageSize:   req.PageSize,
		TotalCount: total,
		Items:      items,
	}
}
