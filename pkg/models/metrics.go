package models

import "time"

// MetricSnapshot is one engagement measurement for a published content item.
type MetricSnapshot struct {
	ID            int64  `json:"id"`
	ProjectID     string `json:"project_id"`
	ContentItemID string `json:"content_item_id"`
	Impressions   int64  `json:"impressions"`
	Clicks        int64  `json:"clicks"`
	Likes         int64  `json:"likes"`
	Comments      int64  `json:"comments"`
	Shares        int64  `json:"shares"`
	// Parameters are the strategy values the item was published under.
	// Untagged snapshots have none.
	Parameters  ParameterSet `json:"parameters,omitempty"`
	CollectedAt time.Time    `json:"collected_at"`
}

// Alert records an operational condition worth an operator's attention.
type Alert struct {
	ID        int64          `json:"id"`
	ProjectID string         `json:"project_id"`
	AlertType string         `json:"alert_type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
