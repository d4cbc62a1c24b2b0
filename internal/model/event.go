package model

import "time"

// EventType identifies a domain event handed to the notification sink.
type EventType string

const (
	EventHotOpportunity     EventType = "hot_opportunity"
	EventBudgetNearLimit    EventType = "budget_near_limit"
	EventStrategyDowngraded EventType = "strategy_downgraded"
	EventSiteBlocked        EventType = "site_blocked"
	EventRunSummary         EventType = "run_summary"
)

// Event is a well-formed payload for external delivery.
type Event struct {
	Type      EventType      `json:"type"`
	Severity  string         `json:"severity"`
	SiteID    string         `json:"site_id,omitempty"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
