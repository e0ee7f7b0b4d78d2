package database

import (
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/speakwise/analysis-service/backend/internal/domain/entities"
	"github.com/speakwise/analysis-service/backend/internal/domain/repositories"
)

// analysisPredicates composes the closed set of analysis search predicates
// (owner, text match, two score ranges, date range) into a single AND.
// Every value travels as a bind parameter once the dataset is Prepared.
type analysisPredicates struct {
	exprs []exp.Expression
}

func newAnalysisPredicates(userID string) *analysisPredicates {
	return &analysisPredicates{
		exprs: []exp.Expression{goqu.C("user_id").Eq(userID)},
	}
}

// searchPredicates builds the predicate set for a search filter
func searchPredicates(filter repositories.AnalysisSearchFilter) *analysisPredicates {
	return newAnalysisPredicates(filter.UserID).
		textMatch(filter.TextQuery).
		scoreRange(entities.MetricClarityScore, filter.MinClarity, filter.MaxClarity).
		scoreRange(entities.MetricStructureScore, filter.MinStructure, filter.MaxStructure).
		createdBetween(filter.StartDate, filter.EndDate)
}

// textMatch adds a case-insensitive substring match against feedback OR summary
func (p *analysisPredicates) textMatch(query string) *analysisPredicates {
	query = strings.TrimSpace(query)
	if query == "" {
		return p
	}

	pattern := "%" + escapeLikePattern(query) + "%"
	p.exprs = append(p.exprs, goqu.Or(
		goqu.C("feedback").ILike(pattern),
		goqu.C("summary").ILike(pattern),
	))
	return p
}

// scoreRange bounds a numeric metric inclusively. Rows without a numeric value never match.
func (p *analysisPredicates) scoreRange(metricKey string, min, max *float64) *analysisPredicates {
	if min == nil && max == nil {
		return p
	}

	score := metricScore(metricKey)
	if min != nil {
		p.exprs = append(p.exprs, score.Gte(*min))
	}
	if max != nil {
		p.exprs = append(p.exprs, score.Lte(*max))
	}
	return p
}

// createdBetween bounds created_at inclusively on both ends
func (p *analysisPredicates) createdBetween(start, end *time.Time) *analysisPredicates {
	if start != nil {
		p.exprs = append(p.exprs, goqu.C("created_at").Gte(start.UTC()))
	}
	if end != nil {
		p.exprs = append(p.exprs, goqu.C("created_at").Lte(end.UTC()))
	}
	return p
}

func (p *analysisPredicates) expression() exp.ExpressionList {
	return goqu.And(p.exprs...)
}

// metricScore extracts a metrics JSONB key as numeric. Values that are not JSON
// numbers yield NULL, so they fail every range bound like a missing key.
// Keys come from the entities.Metric* constants only, never from request input.
func metricScore(metricKey string) exp.LiteralExpression {
	return goqu.L(fmt.Sprintf(
		"(CASE WHEN jsonb_typeof(metrics->'%[1]s') = 'number' THEN (metrics->>'%[1]s')::numeric END)",
		metricKey,
	))
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLikePattern makes user text match literally inside ILIKE
func escapeLikePattern(s string) string {
	return likeEscaper.Replace(s)
}
