package orchestrator

import (
	"fmt"
	"time"

	"github.com/sells-group/dealerscope/internal/model"
)

// SiteOutcome is how one site's pipeline ended.
type SiteOutcome string

const (
	SiteSuccess     SiteOutcome = "success"
	SiteFailed      SiteOutcome = "failed"
	SiteBlocked     SiteOutcome = "blocked"
	SiteSkipped     SiteOutcome = "skipped"
	SiteNotModified SiteOutcome = "not_modified"
)

// SiteResult is the per-site record of a run. Failures are captured here
// and never propagate to sibling sites.
type SiteResult struct {
	SiteID        string        `json:"site_id"`
	Status        SiteOutcome   `json:"status"`
	Pages         int           `json:"pages"`
	Vehicles      int           `json:"vehicles"`
	Opportunities int           `json:"opportunities"`
	UpsertErrors  int           `json:"upsert_errors,omitempty"`
	Elapsed       time.Duration `json:"elapsed"`
	Error         string        `json:"error,omitempty"`
}

// succeeded reports whether the site counts toward SuccessfulSites.
func (r SiteResult) succeeded() bool {
	return r.Status == SiteSuccess || r.Status == SiteNotModified
}

// Summary aggregates a run.
type Summary struct {
	RunID              string        `json:"run_id"`
	Started            time.Time     `json:"started"`
	Finished           time.Time     `json:"finished"`
	Stopped            bool          `json:"stopped,omitempty"`
	TotalSites         int           `json:"total_sites"`
	SuccessfulSites    int           `json:"successful_sites"`
	FailedSites        int           `json:"failed_sites"`
	BlockedSites       int           `json:"blocked_sites"`
	SkippedSites       int           `json:"skipped_sites"`
	TotalVehicles      int           `json:"total_vehicles"`
	TotalOpportunities int           `json:"total_opportunities"`
	AvgElapsed         time.Duration `json:"avg_elapsed"`
	Results            []SiteResult  `json:"results"`
}

func summarize(runID string, started, finished time.Time, results []SiteResult) Summary {
	s := Summary{
		RunID:      runID,
		Started:    started,
		Finished:   finished,
		TotalSites: len(results),
		Results:    results,
	}
	var elapsed time.Duration
	for _, r := range results {
		switch {
		case r.succeeded():
			s.SuccessfulSites++
		case r.Status == SiteBlocked:
			s.BlockedSites++
		case r.Status == SiteSkipped:
			s.SkippedSites++
		default:
			s.FailedSites++
		}
		s.TotalVehicles += r.Vehicles
		s.TotalOpportunities += r.Opportunities
		elapsed += r.Elapsed
	}
	if len(results) > 0 {
		s.AvgElapsed = elapsed / time.Duration(len(results))
	}
	return s
}

// Event converts the summary into a run_summary event. A run with sites
// but no success is high severity.
func (s Summary) Event() model.Event {
	severity := "info"
	if s.TotalSites > 0 && s.SuccessfulSites == 0 {
		severity = "high"
	}
	return model.Event{
		Type:     model.EventRunSummary,
		Severity: severity,
		Message: fmt.Sprintf("run %s: %d/%d sites succeeded, %d vehicles, %d new opportunities",
			s.RunID, s.SuccessfulSites, s.TotalSites, s.TotalVehicles, s.TotalOpportunities),
		Details: map[string]any{
			"total_sites":         s.TotalSites,
			"successful_sites":    s.SuccessfulSites,
			"failed_sites":        s.FailedSites,
			"blocked_sites":       s.BlockedSites,
			"skipped_sites":       s.SkippedSites,
			"total_vehicles":      s.TotalVehicles,
			"total_opportunities": s.TotalOpportunities,
			"avg_elapsed_ms":      s.AvgElapsed.Milliseconds(),
			"stopped":             s.Stopped,
		},
		Timestamp: s.Finished,
	}
}

// healthStatus maps a site outcome onto the persisted site status. Skipped
// sites keep their previous status.
func healthStatus(o SiteOutcome) (model.SiteStatus, bool) {
	switch o {
	case SiteSuccess, SiteNotModified:
		return model.SiteStatusActive, true
	case SiteBlocked:
		return model.SiteStatusBlocked, true
	case SiteFailed:
		return model.SiteStatusError, true
	}
	return "", false
}
