// Package pagination fetches limit/offset paginated collections in both
// directions and keeps the viewport anchored while pages are inserted.
package pagination

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/winichat/internal/httpapi"
	"github.com/codefionn/winichat/internal/logger"
)

// Getter fetches a path and decodes the JSON response.
type Getter interface {
	Get(ctx context.Context, path string, out any) error
}

// Sink receives the fetched results.
type Sink[T any] interface {
	// Reset empties the collection before the first page.
	Reset()
	// AddNext appends a page fetched in the forward direction.
	AddNext(items []T)
	// AddPrevious prepends a page fetched in the backward direction.
	AddPrevious(items []T)
}

// Metrics is the scroll geometry of a viewport.
type Metrics struct {
	ScrollTop    float64
	ScrollHeight float64
	ClientHeight float64
}

// Viewport is the scrollable view rendering the collection.
type Viewport interface {
	Metrics() Metrics
	ScrollTo(top float64)
	// Flush blocks until the view reflects the latest collection change.
	Flush()
}

type options struct {
	viewport Viewport
	reverse  bool
	prefix   string
	timeout  time.Duration
	log      *logger.Logger
}

// Option configures a Pager.
type Option func(*options)

// WithViewport enables scroll anchoring on v.
func WithViewport(v Viewport) Option {
	return func(o *options) { o.viewport = v }
}

// Reverse marks a feed whose forward pages are shown above the current content,
// as in chat logs with the newest message at the bottom.
func Reverse() Option {
	return func(o *options) { o.reverse = true }
}

// WithPrefix sets the API path prefix stripped from the fetch URL.
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithTimeout bounds the initial fetch.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithLogger sets the pager logger.
func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// Pager loads a collection page by page. Forward and backward fetches share one
// in-flight guard so overlapping calls are dropped.
type Pager[T any] struct {
	getter   Getter
	fetchURL string
	limit    int
	sink     Sink[T]
	opts     options

	mu       sync.Mutex
	next     *Cursor
	previous *Cursor
	loaded   bool

	fetching atomic.Bool
	aborter  httpapi.Aborter
}

// New creates a pager over fetchURL requesting limit items per page.
func New[T any](getter Getter, fetchURL string, limit int, sink Sink[T], opts ...Option) *Pager[T] {
	o := options{prefix: "/api/", timeout: httpapi.DefaultAbortTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Global().WithPrefix("pager")
	}
	if limit <= 0 {
		limit = 30
	}
	return &Pager[T]{
		getter:   getter,
		fetchURL: fetchURL,
		limit:    limit,
		sink:     sink,
		opts:     o,
	}
}

// PageURL returns the request path for offset and limit on top of the fetch URL's
// own query.
func (p *Pager[T]) PageURL(offset, limit int) (string, error) {
	u, err := url.Parse(httpapi.StripPrefix(p.fetchURL, p.opts.prefix))
	if err != nil {
		return "", fmt.Errorf("parse fetch url: %w", err)
	}
	q := u.Query()
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// FetchData loads the first page and replaces the collection. It aborts a previous
// first fetch still in flight. On failure the collection is left as it was.
func (p *Pager[T]) FetchData(ctx context.Context) error {
	ctx, cancel := p.aborter.Next(ctx, p.opts.timeout)
	defer cancel()

	page, err := p.get(ctx, 0, p.limit)
	if err != nil {
		p.opts.log.Warn("fetch %s: %v", p.fetchURL, err)
		return err
	}

	next, err := p.cursor(page.Next)
	if err != nil {
		return err
	}
	previous, err := p.cursor(page.Previous)
	if err != nil {
		return err
	}

	p.sink.Reset()
	p.sink.AddNext(page.Results)

	p.mu.Lock()
	p.next = next
	p.previous = previous
	p.loaded = true
	p.mu.Unlock()

	if v := p.opts.viewport; v != nil && p.opts.reverse {
		v.Flush()
		v.ScrollTo(v.Metrics().ScrollHeight)
	}
	return nil
}

// FetchNext loads the page after the loaded window. It reports false when there is
// no next page or another fetch is in flight.
func (p *Pager[T]) FetchNext(ctx context.Context) (bool, error) {
	return p.fetchPart(ctx, true)
}

// FetchPrevious loads the page before the loaded window.
func (p *Pager[T]) FetchPrevious(ctx context.Context) (bool, error) {
	return p.fetchPart(ctx, false)
}

func (p *Pager[T]) fetchPart(ctx context.Context, forward bool) (bool, error) {
	p.mu.Lock()
	cur := p.previous
	if forward {
		cur = p.next
	}
	var at Cursor
	if cur != nil {
		at = *cur
	}
	p.mu.Unlock()

	if cur == nil {
		return false, nil
	}
	if !p.fetching.CompareAndSwap(false, true) {
		return false, nil
	}
	defer p.fetching.Store(false)

	var before Metrics
	if p.opts.viewport != nil {
		before = p.opts.viewport.Metrics()
	}

	page, err := p.get(ctx, at.Offset, at.Limit)
	if err != nil {
		p.opts.log.Warn("fetch %s offset=%d: %v", p.fetchURL, at.Offset, err)
		return false, err
	}

	if forward {
		next, err := p.cursor(page.Next)
		if err != nil {
			return false, err
		}
		p.sink.AddNext(page.Results)
		p.mu.Lock()
		p.next = next
		p.mu.Unlock()
	} else {
		previous, err := p.cursor(page.Previous)
		if err != nil {
			return false, err
		}
		p.sink.AddPrevious(page.Results)
		p.mu.Lock()
		p.previous = previous
		p.mu.Unlock()
	}

	p.anchor(before, forward)
	return true, nil
}

// anchor restores the scroll position after an insert. Appends keep the distance
// from the bottom (from the top on reversed feeds); prepends shift by the height delta.
func (p *Pager[T]) anchor(before Metrics, appended bool) {
	v := p.opts.viewport
	if v == nil {
		return
	}
	v.Flush()
	after := v.Metrics()

	switch {
	case appended && p.opts.reverse:
		v.ScrollTo(before.ScrollTop)
	case appended:
		v.ScrollTo(after.ScrollHeight - (before.ScrollHeight - before.ScrollTop))
	default:
		v.ScrollTo(before.ScrollTop + (after.ScrollHeight - before.ScrollHeight))
	}
}

func (p *Pager[T]) get(ctx context.Context, offset, limit int) (*Page[T], error) {
	if limit <= 0 {
		limit = p.limit
	}
	path, err := p.PageURL(offset, limit)
	if err != nil {
		return nil, err
	}
	var page Page[T]
	if err := p.getter.Get(ctx, path, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (p *Pager[T]) cursor(link *string) (*Cursor, error) {
	c, err := ParseCursor(link)
	if err != nil {
		return nil, err
	}
	if c != nil && c.Limit <= 0 {
		c.Limit = p.limit
	}
	return c, nil
}

// Fetching reports whether a next/previous fetch is in flight.
func (p *Pager[T]) Fetching() bool {
	return p.fetching.Load()
}

// Loaded reports whether the first page was fetched.
func (p *Pager[T]) Loaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaded
}

// Next returns a copy of the forward cursor, or nil.
func (p *Pager[T]) Next() *Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return copyCursor(p.next)
}

// Previous returns a copy of the backward cursor, or nil.
func (p *Pager[T]) Previous() *Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return copyCursor(p.previous)
}

// ShiftNext moves the forward offset by delta after a live insert (+1) or removal
// (-1) at the loaded end. The offset never drops below zero.
func (p *Pager[T]) ShiftNext(delta int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next == nil {
		return
	}
	p.next.Offset += delta
	if p.next.Offset < 0 {
		p.next.Offset = 0
	}
}

// Abort cancels an in-flight first fetch.
func (p *Pager[T]) Abort() {
	p.aborter.Abort()
}

func copyCursor(c *Cursor) *Cursor {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}
