package budget

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/xuri/excelize/v2"

	"github.com/pario-ai/steward/pkg/models"
)

// ReportSheet is the worksheet name used by WriteXLSX.
const ReportSheet = "Budget"

var reportHeader = []string{"window_kind", "resource_type", "used", "limit", "used_pct", "remaining"}

// WriteCSV writes one row per report window. Null limits, percentages and
// remaining amounts are written as empty cells.
func WriteCSV(w io.Writer, report models.BudgetReport) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(reportHeader); err != nil {
		return err
	}
	for _, win := range report.Windows {
		if err := cw.Write(csvRow(win)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteXLSX writes the same rows as WriteCSV into a single worksheet.
func WriteXLSX(w io.Writer, report models.BudgetReport) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", ReportSheet); err != nil {
		return fmt.Errorf("xlsx sheet: %w", err)
	}
	header := make([]any, len(reportHeader))
	for i, h := range reportHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(ReportSheet, "A1", &header); err != nil {
		return fmt.Errorf("xlsx header: %w", err)
	}

	for i, win := range report.Windows {
		row := []any{string(win.WindowKind), string(win.ResourceType), win.Used, nil, nil, nil}
		if win.Limit != nil {
			row[3] = *win.Limit
		}
		if win.UsedPct != nil {
			row[4] = *win.UsedPct
		}
		if win.Remaining != nil {
			row[5] = *win.Remaining
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(ReportSheet, cell, &row); err != nil {
			return fmt.Errorf("xlsx row %d: %w", i+2, err)
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}

func csvRow(win models.WindowUsage) []string {
	row := []string{string(win.WindowKind), string(win.ResourceType), strconv.FormatInt(win.Used, 10), "", "", ""}
	if win.Limit != nil {
		row[3] = strconv.FormatInt(*win.Limit, 10)
	}
	if win.UsedPct != nil {
		row[4] = strconv.FormatFloat(*win.UsedPct, 'f', 2, 64)
	}
	if win.Remaining != nil {
		row[5] = strconv.FormatInt(*win.Remaining, 10)
	}
	return row
}
