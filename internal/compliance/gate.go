package compliance

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/dealerscope/internal/model"
)

const (
	robotsPenalty   = 0.5
	piiPenaltyEach  = 0.02
	piiPenaltyLimit = 0.2
)

// Evaluation is a verdict plus the scrubbed document.
type Evaluation struct {
	Verdict      model.ComplianceVerdict
	RedactedHTML string
}

// Extractable reports whether the document may be handed to extraction.
func (e Evaluation) Extractable() bool {
	return e.Verdict.RobotsAllowed
}

// Gate evaluates robots.txt permission and PII for fetched documents.
type Gate struct {
	robots    *RobotsCache
	retention RetentionPolicy
	nowFunc   func() time.Time
}

// NewGate creates a Gate.
func NewGate(robots *RobotsCache, retention RetentionPolicy) *Gate {
	return &Gate{
		robots:    robots,
		retention: retention.withDefaults(),
		nowFunc:   time.Now,
	}
}

// Evaluate checks rawURL against robots.txt for userAgent and scrubs PII
// from html. A robots violation still produces a verdict so the fetch can
// be recorded for audit, but Extractable is false.
func (g *Gate) Evaluate(ctx context.Context, rawURL string, html []byte, userAgent string) Evaluation {
	allowed, matched := g.robots.Rules(ctx, rawURL, userAgent).Allowed(rawURL)
	scan := ScanHTML(string(html))

	verdict := model.ComplianceVerdict{
		RobotsAllowed:   allowed,
		MatchedRules:    matched,
		PIIFound:        scan.Found,
		PIICount:        scan.Count,
		Redacted:        scan.Count > 0,
		RetentionExpiry: g.retention.ExpiryFor(g.nowFunc(), scan.Count > 0),
		Score:           Score(!allowed, scan.Count),
	}

	if !allowed {
		zap.L().Warn("compliance: robots.txt disallows url",
			zap.String("url", rawURL),
			zap.Strings("rules", matched),
		)
	}
	if scan.Count > 0 {
		zap.L().Info("compliance: redacted pii",
			zap.String("url", rawURL),
			zap.Int("count", scan.Count),
			zap.Any("types", scan.Found),
		)
	}

	return Evaluation{Verdict: verdict, RedactedHTML: scan.Redacted}
}

// Score is 1.0 minus 0.5 for a robots violation and 0.02 per PII
// instance up to 0.2, clamped to [0,1].
func Score(robotsViolation bool, piiCount int) float64 {
	score := 1.0
	if robotsViolation {
		score -= robotsPenalty
	}
	score -= min(piiPenaltyLimit, piiPenaltyEach*float64(piiCount))
	return max(0, min(1, score))
}
