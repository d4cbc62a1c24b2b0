package compliance

import (
	"context"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RobotsFetcher retrieves robots.txt for an origin. fetcher.HTTPFetcher
// satisfies it.
type RobotsFetcher interface {
	FetchRobots(ctx context.Context, origin string) ([]byte, int, error)
}

type robotsEntry struct {
	body      string
	fetchedAt time.Time
}

// RobotsCache caches robots.txt per origin. Concurrent readers never
// block each other; a refresh for one host is performed by a single
// goroutine while other callers for that host wait on it.
type RobotsCache struct {
	fetcher RobotsFetcher
	ttl     time.Duration
	nowFunc func() time.Time

	mu      sync.RWMutex
	entries map[string]robotsEntry

	locksMu   sync.Mutex
	hostLocks map[string]*sync.Mutex
}

// NewRobotsCache creates a cache; ttl <= 0 uses 24h.
func NewRobotsCache(f RobotsFetcher, ttl time.Duration) *RobotsCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RobotsCache{
		fetcher:   f,
		ttl:       ttl,
		nowFunc:   time.Now,
		entries:   make(map[string]robotsEntry),
		hostLocks: make(map[string]*sync.Mutex),
	}
}

// Origin returns scheme://host for rawURL.
func Origin(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return u.Scheme + "://" + u.Host, true
}

func (c *RobotsCache) hostLock(origin string) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	l, ok := c.hostLocks[origin]
	if !ok {
		l = &sync.Mutex{}
		c.hostLocks[origin] = l
	}
	return l
}

func (c *RobotsCache) lookup(origin string) (robotsEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[origin]
	if !ok || c.nowFunc().Sub(e.fetchedAt) >= c.ttl {
		return robotsEntry{}, false
	}
	return e, true
}

// Rules returns the rules for rawURL's origin and userAgent, fetching
// robots.txt if the cached copy is missing or stale. A missing, non-2xx
// or unreachable robots.txt yields AllowAll.
func (c *RobotsCache) Rules(ctx context.Context, rawURL, userAgent string) *RobotsRules {
	origin, ok := Origin(rawURL)
	if !ok {
		return AllowAll
	}

	if e, ok := c.lookup(origin); ok {
		return ParseRobots(e.body, userAgent)
	}

	l := c.hostLock(origin)
	l.Lock()
	defer l.Unlock()

	// Another goroutine may have refreshed while we waited.
	if e, ok := c.lookup(origin); ok {
		return ParseRobots(e.body, userAgent)
	}

	body, status, err := c.fetcher.FetchRobots(ctx, origin)
	entry := robotsEntry{fetchedAt: c.nowFunc()}
	switch {
	case err != nil:
		zap.L().Warn("compliance: robots.txt unreachable, allowing",
			zap.String("origin", origin),
			zap.Error(err),
		)
	case status < 200 || status >= 300:
		zap.L().Debug("compliance: no robots.txt",
			zap.String("origin", origin),
			zap.Int("status", status),
		)
	default:
		entry.body = string(body)
	}

	if ctx.Err() == nil {
		c.mu.Lock()
		c.entries[origin] = entry
		c.mu.Unlock()
	}
	return ParseRobots(entry.body, userAgent)
}

// Invalidate drops the cached copy for rawURL's origin.
func (c *RobotsCache) Invalidate(rawURL string) {
	origin, ok := Origin(rawURL)
	if !ok {
		return
	}
	c.mu.Lock()
	delete(c.entries, origin)
	c.mu.Unlock()
}
