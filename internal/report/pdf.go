package report

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/go-pdf/fpdf"
)

var (
	colorPrimary     = [3]int{30, 58, 95}
	colorTextDark    = [3]int{44, 62, 80}
	colorTextMuted   = [3]int{127, 140, 141}
	colorTableHeader = [3]int{30, 58, 95}
	colorTableAlt    = [3]int{241, 245, 249}
	colorGridLine    = [3]int{220, 220, 220}
	colorWarning     = [3]int{243, 156, 18}
	colorDanger      = [3]int{231, 76, 60}
)

// PDF renders the statement as a single-section A4 document.
func PDF(s *Statement) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 20, 20)
	pdf.SetAutoPageBreak(true, 25)
	pdf.SetTitle("Code-X usage statement", true)
	pdf.SetCreator("codex", true)

	pdf.AddPage()
	writeHeader(pdf, s)
	writeSummary(pdf, s)
	writeUsageTable(pdf, s)
	addPageNumbers(pdf)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("PDF output error: %w", err)
	}
	return buf.Bytes(), nil
}

func writeHeader(pdf *fpdf.Fpdf, s *Statement) {
	pageWidth, _ := pdf.GetPageSize()

	pdf.SetFillColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.Rect(0, 0, pageWidth, 6, "F")

	pdf.SetY(18)
	pdf.SetFont("Arial", "B", 9)
	pdf.SetTextColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.CellFormat(0, 5, "CODE-X", "", 0, "L", false, 0, "")
	pdf.SetFont("Arial", "", 9)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 5, s.GeneratedAt.Format("2006-01-02 15:04 MST"), "", 1, "R", false, 0, "")

	pdf.SetY(30)
	pdf.SetFont("Arial", "B", 20)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.CellFormat(0, 10, "Usage Statement", "", 1, "L", false, 0, "")
	pdf.Ln(4)
}

func writeSummary(pdf *fpdf.Fpdf, s *Statement) {
	rows := [][2]string{
		{"Account", s.UserID},
		{"Plan", s.PlanName},
		{"Status", s.Status},
		{"Billing period", s.periodText()},
	}
	if s.Interval != "" {
		rows = append(rows, [2]string{"Interval", s.Interval})
	}

	for _, row := range rows {
		pdf.SetFont("Arial", "B", 10)
		pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
		pdf.CellFormat(40, 7, row[0], "", 0, "L", false, 0, "")
		pdf.SetFont("Arial", "", 10)
		pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
		pdf.CellFormat(0, 7, row[1], "", 1, "L", false, 0, "")
	}
	pdf.Ln(6)
}

func writeUsageTable(pdf *fpdf.Fpdf, s *Statement) {
	widths := []float64{70, 30, 40, 30}
	headers := []string{"Feature", "Used", "Limit", "State"}

	pdf.SetFillColor(colorTableHeader[0], colorTableHeader[1], colorTableHeader[2])
	pdf.SetTextColor(255, 255, 255)
	pdf.SetFont("Arial", "B", 9)
	for i, h := range headers {
		pdf.CellFormat(widths[i], 8, h, "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetDrawColor(colorGridLine[0], colorGridLine[1], colorGridLine[2])
	pdf.SetFont("Arial", "", 9)
	for i, line := range s.Lines {
		fill := i%2 == 1
		pdf.SetFillColor(colorTableAlt[0], colorTableAlt[1], colorTableAlt[2])
		pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
		pdf.CellFormat(widths[0], 7, line.Name, "1", 0, "L", fill, 0, "")
		pdf.CellFormat(widths[1], 7, strconv.Itoa(line.Used), "1", 0, "R", fill, 0, "")
		pdf.CellFormat(widths[2], 7, line.LimitText(), "1", 0, "R", fill, 0, "")

		switch line.State {
		case "warning":
			pdf.SetTextColor(colorWarning[0], colorWarning[1], colorWarning[2])
		case "enforced":
			pdf.SetTextColor(colorDanger[0], colorDanger[1], colorDanger[2])
		case "locked":
			pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
		}
		pdf.CellFormat(widths[3], 7, line.State, "1", 1, "C", fill, 0, "")
	}

	if len(s.Lines) == 0 {
		pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
		pdf.CellFormat(0, 8, "No features in the current plan.", "", 1, "L", false, 0, "")
	}
}

func addPageNumbers(pdf *fpdf.Fpdf) {
	pdf.SetAutoPageBreak(false, 0)
	total := pdf.PageCount()
	for i := 1; i <= total; i++ {
		pdf.SetPage(i)
		pageWidth, pageHeight := pdf.GetPageSize()

		pdf.SetY(pageHeight - 15)
		pdf.SetFont("Arial", "", 8)
		pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
		pdf.CellFormat(0, 5, fmt.Sprintf("Page %d of %d", i, total), "", 0, "C", false, 0, "")

		pdf.SetDrawColor(colorGridLine[0], colorGridLine[1], colorGridLine[2])
		pdf.SetLineWidth(0.3)
		pdf.Line(20, pageHeight-20, pageWidth-20, pageHeight-20)
	}
}
