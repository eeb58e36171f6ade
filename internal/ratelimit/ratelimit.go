// Package ratelimit admits inbound frames per identity using fixed counting windows.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	start time.Time
	count int
}

// Limiter is a fixed-window counter keyed by identity.
type Limiter struct {
	mu        sync.Mutex
	windows   map[string]*window
	length    time.Duration
	maxFrames int
	nowFn     func() time.Time
	sweepOnce sync.Once
}

// New builds a limiter allowing maxFrames per window of the given length.
func New(length time.Duration, maxFrames int) *Limiter {
	if length <= 0 {
		length = time.Second
	}
	if maxFrames <= 0 {
		maxFrames = 1
	}
	return &Limiter{
		windows:   make(map[string]*window),
		length:    length,
		maxFrames: maxFrames,
		nowFn:     time.Now,
	}
}

// Admit counts one frame for id and reports whether it fits in the current window.
// An expired window is reset on the first check after it ends.
func (l *Limiter) Admit(id string) bool {
	now := l.nowFn()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[id]
	if !ok || now.Sub(w.start) >= l.length {
		l.windows[id] = &window{start: now, count: 1}
		return true
	}
	if w.count >= l.maxFrames {
		return false
	}
	w.count++
	return true
}

// Sweep drops every window that ended before now and returns how many were removed.
func (l *Limiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, w := range l.windows {
		if now.Sub(w.start) >= l.length {
			delete(l.windows, id)
			removed++
		}
	}
	return removed
}

// Len reports how many identities currently hold a window.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// StartSweeper sweeps expired windows every interval until ctx is done.
func (l *Limiter) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	l.sweepOnce.Do(func() {
		ticker := time.NewTicker(interval)
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					l.Sweep(l.nowFn())
				}
			}
		}()
	})
}
