package compliance

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dealerscope/internal/config"
)

const day = 24 * time.Hour

// RetentionPolicy bounds how long stored documents are kept. Documents
// that contained PII use the stricter of the two windows.
type RetentionPolicy struct {
	HTMLDays int
	PIIDays  int
}

// RetentionFromConfig maps compliance configuration onto a policy.
func RetentionFromConfig(cfg config.ComplianceConfig) RetentionPolicy {
	return RetentionPolicy{HTMLDays: cfg.HTMLRetentionDays, PIIDays: cfg.PIIRetentionDays}.withDefaults()
}

func (p RetentionPolicy) withDefaults() RetentionPolicy {
	if p.HTMLDays <= 0 {
		p.HTMLDays = 30
	}
	if p.PIIDays <= 0 {
		p.PIIDays = 7
	}
	return p
}

// ExpiryFor returns when a document fetched at fetchedAt must be purged.
func (p RetentionPolicy) ExpiryFor(fetchedAt time.Time, hasPII bool) time.Time {
	p = p.withDefaults()
	days := p.HTMLDays
	if hasPII && p.PIIDays < days {
		days = p.PIIDays
	}
	return fetchedAt.Add(time.Duration(days) * day)
}

// DocumentPurger deletes stored documents whose expiry is before a cutoff.
type DocumentPurger interface {
	DeleteExpiredDocuments(ctx context.Context, before time.Time) (int64, error)
}

// Purger removes documents past their retention expiry.
type Purger struct {
	store   DocumentPurger
	nowFunc func() time.Time
}

// NewPurger creates a Purger.
func NewPurger(store DocumentPurger) *Purger {
	return &Purger{store: store, nowFunc: time.Now}
}

// Purge deletes every expired document and returns how many were removed.
func (p *Purger) Purge(ctx context.Context) (int64, error) {
	now := p.nowFunc()
	n, err := p.store.DeleteExpiredDocuments(ctx, now)
	if err != nil {
		return 0, eris.Wrap(err, "compliance: purge expired documents")
	}
	zap.L().Info("compliance: purged expired documents",
		zap.Int64("deleted", n),
		zap.Time("cutoff", now),
	)
	return n, nil
}
