package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-pdf/fpdf"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

const (
	exportCSV     = "csv"
	exportGeoJSON = "geojson"
	exportPDF     = "pdf"

	pdfReportRowLimit = 200
)

var exportFormats = []string{exportCSV, exportGeoJSON, exportPDF}

var exportContentTypes = map[string]string{
	exportCSV:     "text/csv; charset=utf-8",
	exportGeoJSON: "application/geo+json",
	exportPDF:     "application/pdf",
}

func exportFileName(format string, now time.Time) string {
	return fmt.Sprintf("civicpulse-reports-%s.%s", now.UTC().Format("20060102-150405"), format)
}

// sortReportsForExport orders by creation time, then id.
func sortReportsForExport(reports []Report) []Report {
	sorted := append([]Report{}, reports...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt != sorted[j].CreatedAt {
			return sorted[i].CreatedAt < sorted[j].CreatedAt
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted
}

func writeExport(w io.Writer, format string, reports []Report, now time.Time) error {
	sorted := sortReportsForExport(reports)
	switch format {
	case exportCSV:
		return writeReportsCSV(w, sorted)
	case exportGeoJSON:
		return writeReportsGeoJSON(w, sorted)
	case exportPDF:
		return writeReportsPDF(w, sorted, now)
	default:
		return &apiError{Status: http.StatusBadRequest, Code: "invalid_format", Message: fmt.Sprintf("Unknown export format: %s", format)}
	}
}

func optionalIntString(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func optionalString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func writeReportsCSV(w io.Writer, reports []Report) error {
	writer := csv.NewWriter(w)
	headers := []string{"report_id", "public_id", "created_at", "title", "category", "severity", "status", "lat", "lng", "address", "department_id", "region_id", "assigned_officer_id", "resolved_at"}
	if err := writer.Write(headers); err != nil {
		return err
	}
	for _, report := range reports {
		row := []string{
			strconv.Itoa(report.ID),
			report.PublicID,
			report.CreatedAt,
			report.Title,
			report.Category,
			report.Severity,
			report.Status,
			strconv.FormatFloat(report.Location.Lat, 'f', 6, 64),
			strconv.FormatFloat(report.Location.Lng, 'f', 6, 64),
			optionalString(report.Location.Address),
			optionalIntString(report.DepartmentID),
			optionalIntString(report.RegionID),
			optionalIntString(report.AssignedOfficerID),
			optionalString(report.ResolvedAt),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func reportsFeatureCollection(reports []Report) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, report := range reports {
		f := geojson.NewFeature(orb.Point{report.Location.Lng, report.Location.Lat})
		f.Properties["report_id"] = report.ID
		f.Properties["public_id"] = report.PublicID
		f.Properties["created_at"] = report.CreatedAt
		f.Properties["title"] = report.Title
		f.Properties["category"] = report.Category
		f.Properties["severity"] = report.Severity
		f.Properties["status"] = report.Status
		f.Properties["color"] = statusStyle(report.Status).Color
		if report.Location.Address != nil {
			f.Properties["address"] = *report.Location.Address
		}
		fc.Append(f)
	}
	return fc
}

func writeReportsGeoJSON(w io.Writer, reports []Report) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(reportsFeatureCollection(reports))
}

type labelCount struct {
	Label string
	Count int
}

func sortedCounts(counts map[string]int) []labelCount {
	out := make([]labelCount, 0, len(counts))
	for label, count := range counts {
		out = append(out, labelCount{Label: label, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Label < out[j].Label
	})
	return out
}

func writeReportsPDF(w io.Writer, reports []Report, now time.Time) error {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.AddPage()
	pdf.SetFont("Helvetica", "", 16)
	pdf.Cell(0, 10, "CivicPulse report export")
	pdf.Ln(12)

	pdf.SetFont("Helvetica", "", 11)
	pdf.Cell(0, 8, fmt.Sprintf("Generated: %s", now.UTC().Format(time.RFC3339)))
	pdf.Ln(7)
	pdf.Cell(0, 8, fmt.Sprintf("Total reports: %d", len(reports)))
	pdf.Ln(10)

	statusCounts := map[string]int{}
	categoryCounts := map[string]int{}
	for _, report := range reports {
		statusCounts[report.Status]++
		categoryCounts[report.Category]++
	}

	sections := []struct {
		title  string
		counts map[string]int
	}{
		{"Status distribution", statusCounts},
		{"Categories", categoryCounts},
	}
	for _, section := range sections {
		pdf.SetFont("Helvetica", "B", 11)
		pdf.Cell(0, 8, section.title)
		pdf.Ln(8)
		pdf.SetFont("Helvetica", "", 10)
		for _, entry := range sortedCounts(section.counts) {
			pdf.Cell(0, 6, fmt.Sprintf("- %s: %d", entry.Label, entry.Count))
			pdf.Ln(6)
		}
		pdf.Ln(4)
	}

	pdf.SetFont("Helvetica", "B", 9)
	for _, col := range []struct {
		label string
		width float64
	}{{"ID", 22}, {"Created", 38}, {"Category", 30}, {"Status", 26}, {"Title", 74}} {
		pdf.CellFormat(col.width, 7, col.label, "1", 0, "L", false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Helvetica", "", 8)
	for i, report := range reports {
		if i >= pdfReportRowLimit {
			pdf.Cell(0, 6, fmt.Sprintf("... %d more", len(reports)-pdfReportRowLimit))
			pdf.Ln(6)
			break
		}
		title := report.Title
		if len(title) > 48 {
			title = title[:45] + "..."
		}
		pdf.CellFormat(22, 6, report.PublicID, "1", 0, "L", false, 0, "")
		pdf.CellFormat(38, 6, report.CreatedAt, "1", 0, "L", false, 0, "")
		pdf.CellFormat(30, 6, report.Category, "1", 0, "L", false, 0, "")
		pdf.CellFormat(26, 6, report.Status, "1", 0, "L", false, 0, "")
		pdf.CellFormat(74, 6, title, "1", 0, "L", false, 0, "")
		pdf.Ln(-1)
	}

	return pdf.Output(w)
}

func (a *App) adminExportHandler(c *gin.Context) {
	format := c.DefaultQuery("format", exportCSV)
	contentType, ok := exportContentTypes[format]
	if !ok {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_format", Message: "format must be csv, geojson or pdf"})
		return
	}

	reports, err := a.listExportReports(c.Request.Context(), reportFiltersFromQuery(c))
	if err != nil {
		writeAPIError(c, err)
		return
	}

	now := time.Now()
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", exportFileName(format, now)))
	c.Header("Content-Type", contentType)
	c.Status(http.StatusOK)
	if err := writeExport(c.Writer, format, reports, now); err != nil {
		a.log.Error("export failed", "format", format, "err", err)
	}
}
