package orchestrator

import (
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/dealerscope/internal/config"
)

// ProxyPool hands out outbound proxies. Next returns nil when no proxy is
// available, which means "fetch directly".
type ProxyPool interface {
	Next(siteID string) *config.ProxyConfig
	MarkBlocked(id string)
}

// StaticProxyPool rotates round-robin over a fixed list, skipping proxies
// marked blocked.
type StaticProxyPool struct {
	mu      sync.Mutex
	proxies []config.ProxyConfig
	blocked map[string]bool
	next    int
}

// NewStaticProxyPool creates a pool over proxies. An empty list is valid.
func NewStaticProxyPool(proxies []config.ProxyConfig) *StaticProxyPool {
	return &StaticProxyPool{
		proxies: append([]config.ProxyConfig(nil), proxies...),
		blocked: make(map[string]bool),
	}
}

// Next returns the next unblocked proxy, or nil.
func (p *StaticProxyPool) Next(_ string) *config.ProxyConfig {
	p.mu.Lock()
	defer p.mu.Unlock()

	for range p.proxies {
		c := p.proxies[p.next%len(p.proxies)]
		p.next++
		if !p.blocked[c.ID] {
			return &c
		}
	}
	return nil
}

// MarkBlocked removes a proxy from rotation.
func (p *StaticProxyPool) MarkBlocked(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.blocked[id] {
		p.blocked[id] = true
		zap.L().Warn("orchestrator: proxy marked blocked", zap.String("proxy", id))
	}
}

// Available returns the number of unblocked proxies.
func (p *StaticProxyPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.proxies {
		if !p.blocked[c.ID] {
			n++
		}
	}
	return n
}
