package view

import "sync"

// Pager remembers the current page across data refreshes and resets it to
// 1 whenever the filter portion of the query changes. A pure data update
// never moves the operator off the page they are reading.
type Pager struct {
	mu      sync.Mutex
	lastSig string
	page    int
}

func NewPager() *Pager { return &Pager{page: 1} }

// Resolve returns the effective page for q. A q.Page > 0 is an explicit
// navigation and is honored (and remembered); q.Page == 0 means "current
// page", subject to the filter-change reset.
func (p *Pager) Resolve(q Query) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	sig := q.Signature()
	if sig != p.lastSig {
		p.lastSig = sig
		p.page = 1
	}
	if q.Page > 0 {
		p.page = q.Page
	}
	return p.page
}
