package extract

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dealerscope/internal/model"
)

// ErrSkipped marks a tier that declined to run, e.g. no budget for a
// generative call. Skips are never retried.
var ErrSkipped = eris.New("extract: tier skipped")

func skipped(reason string) error {
	return eris.Wrap(ErrSkipped, reason)
}

// IsSkipped reports whether err came from a tier that declined to run.
func IsSkipped(err error) bool {
	return errors.Is(err, ErrSkipped)
}

// Candidate is one tier's answer for one field. A zero Candidate with a
// nil error means the tier ran and found nothing.
type Candidate struct {
	Value      string
	Confidence float64
}

// Tier is one step of the extraction fallback chain.
type Tier interface {
	Strategy() model.ExtractionStrategy
	Version() string
	Extract(ctx context.Context, page *Page, field model.Field) (Candidate, error)
}
