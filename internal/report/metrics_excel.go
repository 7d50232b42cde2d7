package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"wisefido-telemetry/internal/models"
)

const (
	transmissionsSheet = "Transmissions"
	summarySheet       = "Summary"
)

// MetricsExportHeader 传输明细表头
var MetricsExportHeader = []string{
	"Batch ID",
	"Device ID",
	"Kind",
	"Result",
	"Duplicate",
	"Error Kind",
	"Attempts",
	"Records",
	"Quality",
	"Created At",
	"Acknowledged At",
	"Store (ms)",
	"Transmit (ms)",
	"Server (ms)",
	"End-to-End (ms)",
}

var metricsColumnWidths = []float64{38, 15, 10, 10, 10, 18, 10, 10, 12, 22, 22, 12, 14, 12, 16}

// qualityOrder 汇总表中的等级顺序
var qualityOrder = []string{"EXCELLENT", "GOOD", "ACCEPTABLE", "SLOW", "CRITICAL", "UNKNOWN"}

// GenerateMetricsExport 生成传输指标 Excel（明细 + 汇总）
func GenerateMetricsExport(records []*models.MetricsRecord) ([]byte, error) {
	f := excelize.NewFile()

	index, err := f.NewSheet(transmissionsSheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	if _, err := f.NewSheet(summarySheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	if err := writeHeader(f, transmissionsSheet, MetricsExportHeader, metricsColumnWidths, headerStyle); err != nil {
		f.Close()
		return nil, err
	}

	for i, rec := range records {
		row := i + 2
		values := []interface{}{
			rec.BatchID,
			rec.DeviceID,
			string(rec.Kind),
			resultLabel(rec.Success),
			yesNo(rec.Duplicate),
			rec.ErrorKind,
			rec.Attempts,
			rec.Records,
			rec.Quality,
			formatTime(rec.CreatedAt),
			formatTime(rec.ServerAcknowledgedAt),
			msValue(rec.StoreLatencyMs),
			msValue(rec.TransmitLatencyMs),
			msValue(rec.ServerLatencyMs),
			msValue(rec.EndToEndMs),
		}
		for col, value := range values {
			if value == nil || value == "" {
				continue
			}
			if err := setCellValue(f, transmissionsSheet, col+1, row, value); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to set cell value at row %d, col %d: %w", row, col+1, err)
			}
		}
	}

	if err := f.SetPanes(transmissionsSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to freeze panes: %w", err)
	}

	if err := writeSummary(f, Summarize(records), headerStyle); err != nil {
		f.Close()
		return nil, err
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write to buffer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}
	return buf.Bytes(), nil
}

// Summary 汇总统计
type Summary struct {
	Total       int
	Succeeded   int
	Duplicates  int
	Failed      int
	ByQuality   map[string]int
	ByErrorKind map[string]int
	AvgEndToEnd float64 // 毫秒，仅统计有端到端延迟的记录
}

// Summarize 计算汇总
func Summarize(records []*models.MetricsRecord) Summary {
	s := Summary{ByQuality: map[string]int{}, ByErrorKind: map[string]int{}}
	var (
		sum int64
		n   int64
	)
	for _, rec := range records {
		s.Total++
		if rec.Success {
			s.Succeeded++
			if rec.Duplicate {
				s.Duplicates++
			}
		} else {
			s.Failed++
			s.ByErrorKind[rec.ErrorKind]++
		}
		s.ByQuality[rec.Quality]++
		if rec.EndToEndMs != nil {
			sum += *rec.EndToEndMs
			n++
		}
	}
	if n > 0 {
		s.AvgEndToEnd = float64(sum) / float64(n)
	}
	return s
}

func writeSummary(f *excelize.File, s Summary, headerStyle int) error {
	if err := writeHeader(f, summarySheet, []string{"Metric", "Value"}, []float64{28, 14}, headerStyle); err != nil {
		return err
	}

	rows := [][]interface{}{
		{"Total Transmissions", s.Total},
		{"Succeeded", s.Succeeded},
		{"Duplicates", s.Duplicates},
		{"Failed", s.Failed},
		{"Avg End-to-End (ms)", s.AvgEndToEnd},
	}
	for _, q := range qualityOrder {
		rows = append(rows, []interface{}{"Quality " + q, s.ByQuality[q]})
	}
	for kind, count := range s.ByErrorKind {
		if kind == "" {
			kind = "unspecified"
		}
		rows = append(rows, []interface{}{"Error " + kind, count})
	}

	for i, r := range rows {
		for col, value := range r {
			if err := setCellValue(f, summarySheet, col+1, i+2, value); err != nil {
				return fmt.Errorf("failed to write summary row %d: %w", i+2, err)
			}
		}
	}
	return nil
}

func writeHeader(f *excelize.File, sheet string, headers []string, widths []float64, style int) error {
	for col, header := range headers {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, header); err != nil {
			return fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(sheet, cell, cell, style); err != nil {
			return fmt.Errorf("failed to set header style: %w", err)
		}
		if col < len(widths) {
			name, err := excelize.ColumnNumberToName(col + 1)
			if err != nil {
				return fmt.Errorf("failed to convert column number: %w", err)
			}
			if err := f.SetColWidth(sheet, name, name, widths[col]); err != nil {
				return fmt.Errorf("failed to set column width: %w", err)
			}
		}
	}
	return nil
}

func setCellValue(f *excelize.File, sheet string, col, row int, value interface{}) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	return f.SetCellValue(sheet, cell, value)
}

func resultLabel(ok bool) string {
	if ok {
		return "Success"
	}
	return "Failed"
}

func yesNo(v bool) string {
	if v {
		return "Yes"
	}
	return "No"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02 15:04:05.000")
}

func msValue(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
