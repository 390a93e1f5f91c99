package domain

import "time"

// AuditRecord is the immutable capture of one delivered event.
type AuditRecord struct {
	ID              string         `json:"id"`
	EventID         string         `json:"event_id"`
	EventTopic      Topic          `json:"event_topic"`
	SourceModule    string         `json:"source_module"`
	EntityType      string         `json:"entity_type"`
	EntityID        string         `json:"entity_id"`
	Actor           string         `json:"actor"`
	PayloadSnapshot map[string]any `json:"payload_snapshot"`
	CapturedAt      time.Time      `json:"captured_at"`
	RetentionUntil  time.Time      `json:"retention_until"`
}

// AuditFilter narrows an audit query. Nil fields do not filter.
type AuditFilter struct {
	SourceModule *string
	EventTopic   *Topic
	EntityType   *string
	EntityID     *string
	Limit        int
	Offset       int
}

// DefaultAuditLimit caps queries that do not set a limit.
const DefaultAuditLimit = 100

// EffectiveLimit returns the limit to apply.
func (f AuditFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultAuditLimit
	}
	return f.Limit
}

// AuditSummary aggregates the audit log.
type AuditSummary struct {
	TotalEvents  int64            `json:"total_events"`
	ByModule     map[string]int64 `json:"by_module"`
	ByEventTopic map[string]int64 `json:"by_event_topic"`
	Last24Hours  int64            `json:"last_24_hours"`
}
