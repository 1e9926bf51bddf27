package auth

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const pageTokenTTL = 2 * time.Minute

type pageGrant struct {
	ownerID string
	chartID string
	expires time.Time
}

// PageTokens issues single-use grants for the chart render page. The
// headless-browser collaborator sends no credentials, so the rasterizer
// mints one token per capture and carries it in the page URL; the page
// handler redeems it in place of the usual bearer identity.
type PageTokens struct {
	mu     sync.Mutex
	grants map[string]pageGrant
}

func NewPageTokens() *PageTokens {
	return &PageTokens{grants: make(map[string]pageGrant)}
}

// Issue mints a token good for one fetch of one chart's page.
func (p *PageTokens) Issue(ownerID, chartID string) string {
	token := uuid.NewString()
	now := time.Now()
	p.mu.Lock()
	for t, g := range p.grants {
		if now.After(g.expires) {
			delete(p.grants, t)
		}
	}
	p.grants[token] = pageGrant{ownerID: ownerID, chartID: chartID, expires: now.Add(pageTokenTTL)}
	p.mu.Unlock()
	return token
}

// Redeem consumes a token and returns the owner it was issued for. A
// second redemption, a chart mismatch, or an expired grant all fail.
func (p *PageTokens) Redeem(token, chartID string) (string, bool) {
	if token == "" {
		return "", false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.grants[token]
	if !ok {
		return "", false
	}
	delete(p.grants, token)
	if g.chartID != chartID || time.Now().After(g.expires) {
		return "", false
	}
	return g.ownerID, true
}
