package services

import (
	"github.com/speakwise/analysis-service/backend/internal/domain/entities"
	apperrors "github.com/speakwise/analysis-service/backend/pkg/errors"
)

// OutcomeKind classifies the result of a service call that reached a decision.
// Storage faults are not outcomes; they travel as the error return.
type OutcomeKind int

const (
	OutcomeOK OutcomeKind = iota
	OutcomeValidationFailed
	OutcomeForbidden
	OutcomeNotFound
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeValidationFailed:
		return "validation_failed"
	case OutcomeForbidden:
		return "forbidden"
	case OutcomeNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of a service decision
type Outcome struct {
	Kind   OutcomeKind
	Reason string
}

// OK reports whether the call succeeded
func (o Outcome) OK() bool {
	return o.Kind == OutcomeOK
}

// Err converts a failed outcome into an AppError; OK yields nil
func (o Outcome) Err() error {
	switch o.Kind {
	case OutcomeOK:
		return nil
	case OutcomeValidationFailed:
		return apperrors.NewValidationError(o.Reason)
	case OutcomeForbidden:
		return apperrors.NewForbiddenError(o.Reason)
	case OutcomeNotFound:
		return apperrors.NewNotFoundError(o.Reason)
	default:
		return apperrors.NewInternalError(o.Reason, nil)
	}
}

func ok() Outcome {
	return Outcome{Kind: OutcomeOK}
}

func validationFailed(reason string) Outcome {
	return Outcome{Kind: OutcomeValidationFailed, Reason: reason}
}

func forbidden(reason string) Outcome {
	return Outcome{Kind: OutcomeForbidden, Reason: reason}
}

func notFound(reason string) Outcome {
	return Outcome{Kind: OutcomeNotFound, Reason: reason}
}

// SaveResult is returned by SaveAnalysis. On a duplicate, Analysis is the
// previously stored row, not the submitted one.
type SaveResult struct {
	Outcome
	Analysis    *entities.Analysis
	IsDuplicate bool
}

// LookupResult is returned by GetAnalysisByID
type LookupResult struct {
	Outcome
	Analysis *entities.Analysis
}

// PageResult is returned by the paginated reads
type PageResult struct {
	Outcome
	Page *entities.AnalysisPage
}

// RecentResult is returned by GetRecent
type RecentResult struct {
	Outcome
	Items []*entities.Analysis
}
