package models

import "time"

// UsageEvent is an immutable record of one resource consumption.
type UsageEvent struct {
	ID             int64        `json:"id"`
	ProjectID      string       `json:"project_id"`
	ResourceType   ResourceType `json:"resource_type"`
	Amount         int64        `json:"amount"`
	IdempotencyKey string       `json:"idempotency_key"`
	OccurredAt     time.Time    `json:"occurred_at"`
}

// UsageQueryOpts filters ledger event listings.
type UsageQueryOpts struct {
	ResourceType ResourceType
	Since        time.Time
	Limit        int
}

// UsageSummary aggregates all-time usage for one resource of a project.
type UsageSummary struct {
	ProjectID    string       `json:"project_id"`
	ResourceType ResourceType `json:"resource_type"`
	EventCount   int          `json:"event_count"`
	TotalAmount  int64        `json:"total_amount"`
}
