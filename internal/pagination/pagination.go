// Package pagination splits ordered result sets into pages and computes the
// bounded run of page numbers shown in navigation controls.
package pagination

import (
	"strconv"
	"strings"
)

const (
	TopicPageSize        = 20
	ReplyPageSize        = 10
	UserContentPageSize  = 10
	NotificationPageSize = 10
	DefaultRadius        = 2
)

// Fallback picks the page used when the requested page is missing or not a
// positive integer.
type Fallback int

const (
	FallbackFirst Fallback = iota
	FallbackLast
)

// Pager describes one resolved page of a result set of Count items.
type Pager struct {
	Number   int
	NumPages int
	Count    int
	Size     int
}

// Offset is the index of the first item of the page.
func (p Pager) Offset() int {
	return (p.Number - 1) * p.Size
}

// Limit is the maximum number of items on the page.
func (p Pager) Limit() int {
	return p.Size
}

// Window returns the page numbers to render around the current page.
func (p Pager) Window(radius int) []int {
	return Window(p.Number, p.NumPages, radius)
}

// HasNext reports whether a page follows this one.
func (p Pager) HasNext() bool {
	return p.Number < p.NumPages
}

// HasPrevious reports whether a page precedes this one.
func (p Pager) HasPrevious() bool {
	return p.Number > 1
}

// ParsePage parses a raw page parameter. Only positive integers are valid.
func ParsePage(raw string) (int, bool) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value < 1 {
		return 0, false
	}
	return value, true
}

// NumPages returns the page count for count items. An empty set still has
// one (empty) page.
func NumPages(count, size int) int {
	if size < 1 {
		size = 1
	}
	if count <= 0 {
		return 1
	}
	return (count + size - 1) / size
}

// Resolve maps a raw page parameter onto a valid page. Invalid input falls
// back to the first (or last) page and numbers past the end clamp to the last
// page; it never fails.
func Resolve(raw string, count, size int, fallback Fallback) Pager {
	if size < 1 {
		size = 1
	}
	numPages := NumPages(count, size)

	number, ok := ParsePage(raw)
	if !ok {
		number = 1
		if fallback == FallbackLast {
			number = numPages
		}
	}
	if number > numPages {
		number = numPages
	}
	return Pager{Number: number, NumPages: numPages, Count: count, Size: size}
}

// Page is a slice of an in-memory sequence together with its pager.
type Page[T any] struct {
	Items []T
	Pager
}

// Paginate cuts the requested page out of items.
func Paginate[T any](items []T, raw string, size int) Page[T] {
	return PaginateWith(items, raw, size, FallbackFirst)
}

// PaginateWith is Paginate with an explicit fallback for invalid page input.
func PaginateWith[T any](items []T, raw string, size int, fallback Fallback) Page[T] {
	pager := Resolve(raw, len(items), size, fallback)
	start := pager.Offset()
	if start > len(items) {
		start = len(items)
	}
	end := start + pager.Limit()
	if end > len(items) {
		end = len(items)
	}
	return Page[T]{Items: items[start:end], Pager: pager}
}

// Window computes the page numbers shown around current. The result holds
// min(2*radius+1, total) consecutive numbers, all within [1, total].
func Window(current, total, radius int) []int {
	if total < 1 {
		return []int{}
	}
	if radius < 0 {
		radius = 0
	}
	span := 2*radius + 1

	var first, last int
	switch {
	case span >= total:
		first, last = 1, total
	case current-radius < 1:
		first, last = 1, span
	case current+radius > total:
		first, last = total-span+1, total
	default:
		first, last = current-radius, current+radius
	}

	pages := make([]int, 0, last-first+1)
	for n := first; n <= last; n++ {
		pages = append(pages, n)
	}
	return pages
}
