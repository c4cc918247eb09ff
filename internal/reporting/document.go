package reporting

import (
	"time"

	"github.com/xkilldash9x/quotebot/internal/booking"
	"github.com/xkilldash9x/quotebot/internal/pipeline"
)

// Document is the result file written at the end of every run, successful or not.
// Two successful runs over the same inputs differ only in Timestamp.
type Document struct {
	Success   bool    `json:"success"`
	Timestamp string  `json:"timestamp"`
	Summary   Summary `json:"summary"`
	Error     string  `json:"error,omitempty"`
}

// Summary describes how far the run got.
type Summary struct {
	Carrier     string           `json:"carrier"`
	Status      string           `json:"status"`
	FailedStage string           `json:"failed_stage,omitempty"`
	Stages      []StageSummary   `json:"stages"`
	Booking     *booking.Details `json:"booking,omitempty"`
	QuoteCount  int              `json:"quote_count"`
	Quotes      []booking.Quote  `json:"quotes,omitempty"`
}

// StageSummary is a stage report without its timing.
type StageSummary struct {
	Name           string `json:"name"`
	Outcome        string `json:"outcome"`
	Attempts       int    `json:"attempts"`
	AssumedSuccess bool   `json:"assumed_success,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Meta is the run context that the pipeline result does not carry.
type Meta struct {
	Carrier string
	Booking *booking.Details
	Quotes  []booking.Quote
}

// NewDocument builds the result document for res. now is rendered as RFC 3339 in UTC.
func NewDocument(res pipeline.Result, meta Meta, now time.Time) Document {
	stages := make([]StageSummary, 0, len(res.Stages))
	for _, s := range res.Stages {
		stages = append(stages, StageSummary{
			Name:           s.Name,
			Outcome:        s.Outcome,
			Attempts:       s.Attempts,
			AssumedSuccess: s.AssumedSuccess,
			Error:          s.Error,
		})
	}

	doc := Document{
		Success:   res.Succeeded(),
		Timestamp: now.UTC().Format(time.RFC3339),
		Summary: Summary{
			Carrier:     meta.Carrier,
			Status:      res.Status.String(),
			FailedStage: res.FailedStage,
			Stages:      stages,
			Booking:     meta.Booking,
			QuoteCount:  len(meta.Quotes),
			Quotes:      meta.Quotes,
		},
	}
	if res.Err != nil {
		doc.Error = res.Err.Error()
	}
	return doc
}

// FailureDocument reports a run that never reached the pipeline, e.g. a
// configuration or browser start-up error.
func FailureDocument(meta Meta, err error, now time.Time) Document {
	doc := Document{
		Timestamp: now.UTC().Format(time.RFC3339),
		Summary: Summary{
			Carrier: meta.Carrier,
			Status:  pipeline.NotStarted.String(),
			Stages:  []StageSummary{},
			Booking: meta.Booking,
		},
	}
	if err != nil {
		doc.Error = err.Error()
	}
	return doc
}
