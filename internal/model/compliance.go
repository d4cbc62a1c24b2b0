package model

import "time"

// PIIType is a category of personal data detected in a document.
type PIIType string

const (
	PIIEmail      PIIType = "email"
	PIIPhone      PIIType = "phone"
	PIISSN        PIIType = "ssn"
	PIICreditCard PIIType = "credit_card"
	PIIIPv4       PIIType = "ipv4"
)

// ComplianceVerdict is the outcome of gating one fetched document.
type ComplianceVerdict struct {
	RobotsAllowed   bool      `json:"robots_allowed"`
	MatchedRules    []string  `json:"matched_rules,omitempty"`
	PIIFound        []PIIType `json:"pii_found,omitempty"`
	PIICount        int       `json:"pii_count"`
	Redacted        bool      `json:"redacted"`
	RetentionExpiry time.Time `json:"retention_expiry"`
	Score           float64   `json:"score"`
}

// StoredDocument is a fetched page persisted for audit. RedactedHTML never
// contains a PII match; AuditOnly documents were blocked by robots.txt and
// carry no body.
type StoredDocument struct {
	ID           string            `json:"id"`
	SiteID       string            `json:"site_id"`
	URL          string            `json:"url"`
	ContentHash  string            `json:"content_hash"`
	ETag         string            `json:"etag,omitempty"`
	LastModified string            `json:"last_modified,omitempty"`
	RedactedHTML string            `json:"redacted_html,omitempty"`
	Verdict      ComplianceVerdict `json:"verdict"`
	AuditOnly    bool              `json:"audit_only"`
	FetchedAt    time.Time         `json:"fetched_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
}
