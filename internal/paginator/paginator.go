// Package paginator walks the distinct values of a store field page by page.
package paginator

import (
	"context"
	"fmt"

	"github.com/tbrd/green-home-search/internal/retry"
	"github.com/tbrd/green-home-search/internal/search"
)

// DefaultPageSize is the number of distinct values fetched per page
const DefaultPageSize = 1000

// TermsPager is the part of the store the paginator needs
type TermsPager interface {
	TermsPage(ctx context.Context, index, field string, size int, after string) (*search.TermsPage, error)
}

// Options configures a Paginator
type Options struct {
	PageSize int
	Retry    retry.Policy
}

// Paginator yields every distinct value of a field exactly once, in key
// order. Only the current page is held in memory. Use it like bufio.Scanner:
//
//	for p.Next(ctx) {
//		use(p.Value())
//	}
//	if err := p.Err(); err != nil { ... }
type Paginator struct {
	store TermsPager
	index string
	field string
	opts  Options

	page  []search.TermBucket
	pos   int
	after string
	done  bool
	pages int
	err   error
}

// New creates a paginator over field of index
func New(store TermsPager, index, field string, opts Options) *Paginator {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	return &Paginator{
		store: store,
		index: index,
		field: field,
		opts:  opts,
		pos:   -1,
	}
}

// Next advances to the next value, fetching a page when the current one is
// used up. It returns false at the end of the sequence or on error.
func (p *Paginator) Next(ctx context.Context) bool {
	if p.err != nil {
		return false
	}

	for {
		if p.pos+1 < len(p.page) {
			p.pos++
			return true
		}
		if p.done {
			return false
		}
		if err := ctx.Err(); err != nil {
			p.err = err
			return false
		}
		if err := p.fetch(ctx); err != nil {
			p.err = err
			return false
		}
	}
}

func (p *Paginator) fetch(ctx context.Context) error {
	var page *search.TermsPage
	name := fmt.Sprintf("terms page %d of %s.%s", p.pages+1, p.index, p.field)
	err := p.opts.Retry.Do(ctx, name, func(ctx context.Context) error {
		var err error
		page, err = p.store.TermsPage(ctx, p.index, p.field, p.opts.PageSize, p.after)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", name, err)
	}

	if page.After != "" && page.After == p.after {
		return fmt.Errorf("%s did not advance past %q", name, p.after)
	}

	p.pages++
	p.page = page.Buckets
	p.pos = -1
	p.after = page.After
	if page.After == "" {
		p.done = true
	}
	return nil
}

// Value returns the current value
func (p *Paginator) Value() string {
	if p.pos < 0 || p.pos >= len(p.page) {
		return ""
	}
	return p.page[p.pos].Key
}

// Count returns the document count of the current value
func (p *Paginator) Count() int64 {
	if p.pos < 0 || p.pos >= len(p.page) {
		return 0
	}
	return p.page[p.pos].Count
}

// Err returns the error that stopped the sequence, if any
func (p *Paginator) Err() error {
	return p.err
}

// Pages returns the number of pages fetched so far
func (p *Paginator) Pages() int {
	return p.pages
}

// Reset restarts the sequence from the beginning
func (p *Paginator) Reset() {
	p.page = nil
	p.pos = -1
	p.after = ""
	p.done = false
	p.pages = 0
	p.err = nil
}
