package signals

import (
	"sort"
	"sync"
	"time"
)

const (
	retryBaseDelay   = 5 * time.Second
	retryMaxDelay    = 60 * time.Second
	MaxImageAttempts = 10
)

// RetryDelay returns the wait after the given failed attempt (1-based):
// 5s, 10s, 20s, 40s, then 60s.
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := retryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= retryMaxDelay {
			return retryMaxDelay
		}
	}
	return delay
}

// pendingImages holds metadata commits keyed by signal id.
type pendingImages struct {
	mu    sync.Mutex
	items map[string]PendingImageUpdate
}

func newPendingImages() *pendingImages {
	return &pendingImages{items: make(map[string]PendingImageUpdate)}
}

func (p *pendingImages) schedule(id, url string, now time.Time) PendingImageUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()

	item := p.items[id]
	item.SignalID = id
	item.URL = url
	item.AttemptCount++
	item.NextRetryAt = now.Add(RetryDelay(item.AttemptCount))
	p.items[id] = item
	return item
}

func (p *pendingImages) get(id string) (PendingImageUpdate, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.items[id]
	return item, ok
}

func (p *pendingImages) remove(id string) {
	p.mu.Lock()
	delete(p.items, id)
	p.mu.Unlock()
}

// list returns the queue ordered by next retry time.
func (p *pendingImages) list() []PendingImageUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]PendingImageUpdate, 0, len(p.items))
	for _, item := range p.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextRetryAt.Equal(out[j].NextRetryAt) {
			return out[i].SignalID < out[j].SignalID
		}
		return out[i].NextRetryAt.Before(out[j].NextRetryAt)
	})
	return out
}

func (p *pendingImages) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}
