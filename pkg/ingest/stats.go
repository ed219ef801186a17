package ingest

import "time"

// RecordError is a per-record failure of a run.
type RecordError struct {
	ExternalID string `json:"externalId"`
	Message    string `json:"message"`
}

// RecordSkip is a record that was not converted, with the reason.
type RecordSkip struct {
	ExternalID string `json:"externalId"`
	Reason     string `json:"reason"`
}

// Skip reasons.
const (
	SkipAlreadyImported = "already imported"
	SkipInProgress      = "in progress in another run"
)

// RunStatistics is the report of one run. Errors and Skips follow fetch order.
type RunStatistics struct {
	RunID     string        `json:"runId"`
	Processed int           `json:"processed"`
	Imported  int           `json:"imported"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Errors    []RecordError `json:"errors"`
	Skips     []RecordSkip  `json:"skips"`

	TotalFetched int    `json:"totalFetched"`
	HasMore      bool   `json:"hasMore"`
	NextCursor   string `json:"nextCursor,omitempty"`
	Limited      bool   `json:"limited"`

	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Duration returns the wall time of the run.
func (s *RunStatistics) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

type outcomeKind int

const (
	outcomeNotStarted outcomeKind = iota
	outcomeImported
	outcomeSkipped
	outcomeFailed
)

// outcome is the result of processing one record.
type outcome struct {
	kind     outcomeKind
	reason   string
	resultID string
}

func (s *RunStatistics) record(externalID string, o outcome) {
	switch o.kind {
	case outcomeImported:
		s.Processed++
		s.Imported++
		recordsTotal.WithLabelValues("imported").Inc()
	case outcomeSkipped:
		s.Processed++
		s.Skipped++
		s.Skips = append(s.Skips, RecordSkip{ExternalID: externalID, Reason: o.reason})
		recordsTotal.WithLabelValues("skipped").Inc()
	case outcomeFailed:
		s.Processed++
		s.Failed++
		s.Errors = append(s.Errors, RecordError{ExternalID: externalID, Message: o.reason})
		recordsTotal.WithLabelValues("failed").Inc()
	}
}
