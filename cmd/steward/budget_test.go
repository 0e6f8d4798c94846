package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/steward/pkg/models"
)

func TestParseLimit(t *testing.T) {
	l, err := parseLimit("video-seconds:weekly:3600")
	require.NoError(t, err)
	assert.Equal(t, models.BudgetLimit{ResourceType: models.ResourceVideoSeconds, WindowKind: models.WindowWeekly, Max: 3600}, l)

	for _, bad := range []string{"token:daily", "token:daily:lots", "token:daily:1:2"} {
		_, err := parseLimit(bad)
		assert.Error(t, err, bad)
	}
}

func TestPrintReport(t *testing.T) {
	color.NoColor = true
	limit, remaining, pct := int64(1000), int64(0), 100.0
	report := models.BudgetReport{
		ProjectID:   "acme",
		IsBlocked:   true,
		GeneratedAt: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
		Windows: []models.WindowUsage{
			{WindowKind: models.WindowDaily, ResourceType: models.ResourceToken, Used: 1000, Limit: &limit, Remaining: &remaining, UsedPct: &pct},
			{WindowKind: models.WindowDaily, ResourceType: models.ResourcePublication, Used: 3},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, printReport(&buf, report))
	out := buf.String()
	assert.Contains(t, out, "Status: BLOCKED")
	assert.Contains(t, out, "100.00")
	assert.Regexp(t, `daily\s+publication\s+3\s+-\s+-\s+-`, out)
}
