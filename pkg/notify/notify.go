// Package notify is the short-lived feedback channel for mutation
// outcomes. It holds at most one active notification; a new one replaces
// the old rather than queueing behind it. Nothing here is authoritative.
package notify

import (
	"sync"
	"time"
)

// TTL is the fixed display window before a notification auto-dismisses.
const TTL = 3500 * time.Millisecond

type Notification struct {
	Message string `json:"message"`
	Kind    string `json:"kind"` // "success" | "error"
	// PostedTS (ns) lets clients animate dismissal.
	PostedTS int64 `json:"posted_ts"`

	expiresAt time.Time
}

type Feed struct {
	mu      sync.Mutex
	current *Notification
	now     func() time.Time
}

func NewFeed() *Feed { return &Feed{now: time.Now} }

// Push replaces the active notification.
func (f *Feed) Push(message, kind string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	f.current = &Notification{
		Message:   message,
		Kind:      kind,
		PostedTS:  now.UTC().UnixNano(),
		expiresAt: now.Add(TTL),
	}
}

// Current returns the active notification, or nil once it has expired or
// been replaced. Expiry is lazy; there is no background timer to leak.
func (f *Feed) Current() *Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return nil
	}
	if f.now().After(f.current.expiresAt) {
		f.current = nil
		return nil
	}
	cp := *f.current
	return &cp
}
