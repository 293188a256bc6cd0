package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// listSeparator joins list fields in the flat map form
const listSeparator = ","

// ClinicalDecision records a decision taken while triaging a referral
type ClinicalDecision struct {
	ID             string    `json:"id"`
	ReferralID     string    `json:"referral_id"`
	DecisionType   string    `json:"decision_type"`
	Outcome        string    `json:"outcome"`
	Rationale      string    `json:"rationale"`
	DecidedBy      string    `json:"decided_by"`
	Confidence     float64   `json:"confidence"`
	Guidelines     []string  `json:"guidelines"`
	Alternatives   []string  `json:"alternatives"`
	RequiresReview bool      `json:"requires_review"`
	DecidedAt      time.Time `json:"decided_at"`
}

// ToMap flattens the decision into a string keyed map
func (d *ClinicalDecision) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"id":              d.ID,
		"referral_id":     d.ReferralID,
		"decision_type":   d.DecisionType,
		"outcome":         d.Outcome,
		"rationale":       d.Rationale,
		"decided_by":      d.DecidedBy,
		"confidence":      d.Confidence,
		"guidelines":      joinList(d.Guidelines),
		"alternatives":    joinList(d.Alternatives),
		"requires_review": boolToInt(d.RequiresReview),
		"decided_at":      d.DecidedAt.UTC().Format(time.RFC3339Nano),
	}
}

// ClinicalDecisionFromMap rebuilds a decision from the output of ToMap
func ClinicalDecisionFromMap(m map[string]interface{}) (*ClinicalDecision, error) {
	confidence, err := floatValue(m["confidence"])
	if err != nil {
		return nil, fmt.Errorf("confidence: %w", err)
	}
	decidedAt, err := timeValue(m["decided_at"])
	if err != nil {
		return nil, fmt.Errorf("decided_at: %w", err)
	}
	review, err := intValue(m["requires_review"])
	if err != nil {
		return nil, fmt.Errorf("requires_review: %w", err)
	}

	return &ClinicalDecision{
		ID:             stringValue(m["id"]),
		ReferralID:     stringValue(m["referral_id"]),
		DecisionType:   stringValue(m["decision_type"]),
		Outcome:        stringValue(m["outcome"]),
		Rationale:      stringValue(m["rationale"]),
		DecidedBy:      stringValue(m["decided_by"]),
		Confidence:     confidence,
		Guidelines:     splitList(stringValue(m["guidelines"])),
		Alternatives:   splitList(stringValue(m["alternatives"])),
		RequiresReview: review != 0,
		DecidedAt:      decidedAt,
	}, nil
}

// QualityMetric tracks a referral quality indicator against its target
type QualityMetric struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Category     string    `json:"category"`
	CurrentValue float64   `json:"current_value"`
	TargetValue  float64   `json:"target_value"`
	Unit         string    `json:"unit"`
	Tags         []string  `json:"tags"`
	MeasuredAt   time.Time `json:"measured_at"`
}

// PerformancePercentage returns current/target*100, or 0 when no target is set
func (q *QualityMetric) PerformancePercentage() float64 {
	if q.TargetValue == 0 {
		return 0
	}
	return q.CurrentValue / q.TargetValue * 100
}

// MeetsTarget reports whether the current value reached the target
func (q *QualityMetric) MeetsTarget() bool {
	return q.TargetValue != 0 && q.CurrentValue >= q.TargetValue
}

// ToMap flattens the metric into a string keyed map
func (q *QualityMetric) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"id":            q.ID,
		"name":          q.Name,
		"category":      q.Category,
		"current_value": q.CurrentValue,
		"target_value":  q.TargetValue,
		"unit":          q.Unit,
		"tags":          joinList(q.Tags),
		"measured_at":   q.MeasuredAt.UTC().Format(time.RFC3339Nano),
	}
}

// QualityMetricFromMap rebuilds a metric from the output of ToMap
func QualityMetricFromMap(m map[string]interface{}) (*QualityMetric, error) {
	current, err := floatValue(m["current_value"])
	if err != nil {
		return nil, fmt.Errorf("current_value: %w", err)
	}
	target, err := floatValue(m["target_value"])
	if err != nil {
		return nil, fmt.Errorf("target_value: %w", err)
	}
	measuredAt, err := timeValue(m["measured_at"])
	if err != nil {
		return nil, fmt.Errorf("measured_at: %w", err)
	}

	return &QualityMetric{
		ID:           stringValue(m["id"]),
		Name:         stringValue(m["name"]),
		Category:     stringValue(m["category"]),
		CurrentValue: current,
		TargetValue:  target,
		Unit:         stringValue(m["unit"]),
		Tags:         splitList(stringValue(m["tags"])),
		MeasuredAt:   measuredAt,
	}, nil
}

func joinList(items []string) string {
	return strings.Join(items, listSeparator)
}

// splitList is the inverse of joinList; "" yields an empty, non-nil slice
func splitList(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(s, listSeparator)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func stringValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func floatValue(v interface{}) (float64, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		if t == "" {
			return 0, nil
		}
		return strconv.ParseFloat(t, 64)
	}
	return 0, fmt.Errorf("unexpected type %T", v)
}

func intValue(v interface{}) (int64, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case float64:
		return int64(t), nil
	case bool:
		return int64(boolToInt(t)), nil
	case string:
		if t == "" {
			return 0, nil
		}
		return strconv.ParseInt(t, 10, 64)
	}
	return 0, fmt.Errorf("unexpected type %T", v)
}

func timeValue(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t, nil
	case string:
		if t == "" {
			return time.Time{}, nil
		}
		return time.Parse(time.RFC3339Nano, t)
	}
	return time.Time{}, fmt.Errorf("unexpected type %T", v)
}
