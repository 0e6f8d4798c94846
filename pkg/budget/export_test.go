package budget

import (
	"bytes"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/pario-ai/steward/pkg/models"
)

func sampleReport() models.BudgetReport {
	limit, pct, remaining := int64(1000), 60.0, int64(400)
	return models.BudgetReport{
		ProjectID: "p1",
		Windows: []models.WindowUsage{
			{WindowKind: models.WindowDaily, ResourceType: models.ResourceToken, Used: 600, Limit: &limit, UsedPct: &pct, Remaining: &remaining},
			{WindowKind: models.WindowDaily, ResourceType: models.ResourceVideoSeconds, Used: 12},
		},
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, sampleReport()); err != nil {
		t.Fatal(err)
	}
	want := strings.Join([]string{
		"window_kind,resource_type,used,limit,used_pct,remaining",
		"daily,token,600,1000,60.00,400",
		"daily,video-seconds,12,,,",
		"",
	}, "\n")
	if buf.String() != want {
		t.Errorf("unexpected csv:\n%s\nwant:\n%s", buf.String(), want)
	}
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteXLSX(&buf, sampleReport()); err != nil {
		t.Fatal(err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()

	rows, err := f.GetRows(ReportSheet)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d", len(rows))
	}
	if rows[0][0] != "window_kind" || rows[1][1] != "token" || rows[1][3] != "1000" {
		t.Errorf("unexpected rows: %v", rows)
	}
}
