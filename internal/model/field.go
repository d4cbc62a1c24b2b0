package model

import "time"

// Field is one of the fixed set of listing attributes the extractor resolves.
type Field string

const (
	FieldPrice       Field = "price"
	FieldYear        Field = "year"
	FieldMake        Field = "make"
	FieldModel       Field = "model"
	FieldTrim        Field = "trim"
	FieldMileage     Field = "mileage"
	FieldVIN         Field = "vin"
	FieldLocation    Field = "location"
	FieldState       Field = "state"
	FieldTitleStatus Field = "title_status"
	FieldAuctionEnd  Field = "auction_end"
)

// AllFields returns every extractable field in resolution order.
func AllFields() []Field {
	return []Field{
		FieldPrice, FieldYear, FieldMake, FieldModel, FieldTrim, FieldMileage,
		FieldVIN, FieldLocation, FieldState, FieldTitleStatus, FieldAuctionEnd,
	}
}

// ExtractionStrategy names the tier that produced a field value.
type ExtractionStrategy string

const (
	StrategySelector   ExtractionStrategy = "selector"
	StrategyModel      ExtractionStrategy = "model"
	StrategyGenerative ExtractionStrategy = "generative"
	StrategyNone       ExtractionStrategy = "none"
)

// FieldExtraction is the resolved value of one field from one document.
// Attempted distinguishes "tried and failed" (true, empty value) from a
// field that was never requested.
type FieldExtraction struct {
	Field      Field              `json:"field"`
	Value      string             `json:"value"`
	Confidence float64            `json:"confidence"`
	Strategy   ExtractionStrategy `json:"strategy"`
	Retries    int                `json:"retries"`
	Elapsed    time.Duration      `json:"elapsed"`
	Attempted  bool               `json:"attempted"`
}

// Found reports whether the extraction produced a usable value.
func (f FieldExtraction) Found() bool {
	return f.Value != "" && f.Confidence > 0
}

// ProvenanceRecord is the audit trail for every value stored on a listing.
type ProvenanceRecord struct {
	DocumentID string                        `json:"document_id"`
	ClusterID  string                        `json:"cluster_id"`
	URL        string                        `json:"url"`
	Versions   map[ExtractionStrategy]string `json:"versions"`
	Fields     []FieldExtraction             `json:"fields"`
	CreatedAt  time.Time                     `json:"created_at"`
}

// Field returns the extraction for f, or a zero value if absent.
func (p ProvenanceRecord) Field(f Field) FieldExtraction {
	for _, fe := range p.Fields {
		if fe.Field == f {
			return fe
		}
	}
	return FieldExtraction{Field: f, Strategy: StrategyNone}
}
