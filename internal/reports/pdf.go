package reports

import (
	"bytes"
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/agingos/agingos-go-rewrite/internal/models"
)

// Color scheme - calm palette for a caregiver-facing document
var (
	colorPrimary     = [3]int{47, 79, 79}    // Slate
	colorAccent      = [3]int{46, 204, 113}  // Green
	colorWarning     = [3]int{241, 196, 15}  // Yellow
	colorDanger      = [3]int{231, 76, 60}   // Red
	colorTextDark    = [3]int{44, 62, 80}    // Dark text
	colorTextMuted   = [3]int{127, 140, 141} // Muted text
	colorTableHeader = [3]int{47, 79, 79}    // Slate header
	colorTableAlt    = [3]int{241, 245, 249} // Alternating row
	colorGridLine    = [3]int{220, 220, 220} // Rules
)

// Generator renders weekly report PDFs.
type Generator struct{}

// NewGenerator creates a PDF generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate renders the weekly report as an A4 PDF.
func (g *Generator) Generate(data *WeeklyData) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 20, 20)
	pdf.SetAutoPageBreak(true, 25)

	pdf.AddPage()
	g.writeHeader(pdf, data)
	g.writeOverview(pdf, data)
	g.writeDeviationSection(pdf, data)
	g.writeAnomalySection(pdf, data)
	g.writeProposalSection(pdf, data)
	g.writeFooter(pdf, data)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("PDF output error: %w", err)
	}
	return buf.Bytes(), nil
}

func (g *Generator) writeHeader(pdf *fpdf.Fpdf, data *WeeklyData) {
	pageWidth, _ := pdf.GetPageSize()

	pdf.SetFillColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.Rect(0, 0, pageWidth, 8, "F")

	pdf.SetY(20)
	pdf.SetFont("Arial", "B", 22)
	pdf.SetTextColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.CellFormat(0, 12, "Weekly Care Report", "", 1, "L", false, 0, "")

	pdf.SetFont("Arial", "", 10)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	period := fmt.Sprintf("%s  -  %s",
		data.Start.Format("January 2, 2006"),
		data.End.Format("January 2, 2006"))
	pdf.CellFormat(0, 6, period, "", 1, "L", false, 0, "")
	pdf.Ln(4)

	pdf.SetDrawColor(colorGridLine[0], colorGridLine[1], colorGridLine[2])
	pdf.SetLineWidth(0.3)
	pdf.Line(20, pdf.GetY(), pageWidth-20, pdf.GetY())
	pdf.Ln(6)
}

func (g *Generator) writeOverview(pdf *fpdf.Fpdf, data *WeeklyData) {
	openAnomalies := 0
	worst := models.LevelGreen
	for _, a := range data.Anomalies {
		openAnomalies += a.OpenNow
		if a.WorstLevel > worst {
			worst = a.WorstLevel
		}
	}

	statusColor := colorAccent
	statusText := "Quiet week"
	switch {
	case worst == models.LevelRed || openAnomalies > 0:
		statusColor = colorDanger
		statusText = "Attention needed"
	case data.DeviationTotal > 0 || worst == models.LevelYellow:
		statusColor = colorWarning
		statusText = "Some changes observed"
	}

	pageWidth, _ := pdf.GetPageSize()
	cardWidth := pageWidth - 40

	pdf.SetFillColor(statusColor[0], statusColor[1], statusColor[2])
	pdf.RoundedRect(20, pdf.GetY(), cardWidth, 22, 3, "1234", "F")
	pdf.SetXY(20, pdf.GetY()+5)
	pdf.SetFont("Arial", "B", 16)
	pdf.SetTextColor(255, 255, 255)
	pdf.CellFormat(cardWidth, 8, statusText, "", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "", 9)
	pdf.CellFormat(cardWidth, 5,
		fmt.Sprintf("%d deviations, %d anomaly episodes, %d proposal updates",
			data.DeviationTotal, data.AnomalyTotal, data.ProposalTotal),
		"", 1, "C", false, 0, "")
	pdf.Ln(10)
}

func (g *Generator) writeSectionTitle(pdf *fpdf.Fpdf, title string) {
	if pdf.GetY() > 240 {
		pdf.AddPage()
	}
	pdf.SetFont("Arial", "B", 13)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.CellFormat(0, 8, title, "", 1, "L", false, 0, "")
	pdf.Ln(1)
}

func (g *Generator) writeEmptyNote(pdf *fpdf.Fpdf, text string) {
	pdf.SetFont("Arial", "I", 10)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 6, text, "", 1, "L", false, 0, "")
	pdf.Ln(4)
}

func (g *Generator) writeDeviationSection(pdf *fpdf.Fpdf, data *WeeklyData) {
	g.writeSectionTitle(pdf, "Deviations by Rule")

	if len(data.Deviations) == 0 {
		g.writeEmptyNote(pdf, "No deviations were recorded this week.")
		return
	}

	pdf.SetFillColor(colorTableHeader[0], colorTableHeader[1], colorTableHeader[2])
	pdf.SetTextColor(255, 255, 255)
	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(60, 7, "Rule", "1", 0, "L", true, 0, "")
	pdf.CellFormat(50, 7, "Severity", "1", 0, "L", true, 0, "")
	pdf.CellFormat(30, 7, "Count", "1", 1, "C", true, 0, "")

	pdf.SetFont("Arial", "", 9)
	fill := false
	for _, c := range data.Deviations {
		if fill {
			pdf.SetFillColor(colorTableAlt[0], colorTableAlt[1], colorTableAlt[2])
		} else {
			pdf.SetFillColor(255, 255, 255)
		}
		pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
		pdf.CellFormat(60, 6, c.RuleID, "1", 0, "L", fill, 0, "")
		sevColor := severityColor(c.Severity)
		pdf.SetTextColor(sevColor[0], sevColor[1], sevColor[2])
		pdf.CellFormat(50, 6, c.Severity, "1", 0, "L", fill, 0, "")
		pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
		pdf.CellFormat(30, 6, fmt.Sprintf("%d", c.Count), "1", 1, "C", fill, 0, "")
		fill = !fill
	}
	pdf.Ln(6)
}

func (g *Generator) writeAnomalySection(pdf *fpdf.Fpdf, data *WeeklyData) {
	g.writeSectionTitle(pdf, "Anomaly Episodes by Room")

	if len(data.Anomalies) == 0 {
		g.writeEmptyNote(pdf, "No anomaly episodes overlapped this week.")
		return
	}

	pdf.SetFillColor(colorTableHeader[0], colorTableHeader[1], colorTableHeader[2])
	pdf.SetTextColor(255, 255, 255)
	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(40, 7, "Room", "1", 0, "L", true, 0, "")
	pdf.CellFormat(22, 7, "Episodes", "1", 0, "C", true, 0, "")
	pdf.CellFormat(22, 7, "Open", "1", 0, "C", true, 0, "")
	pdf.CellFormat(24, 7, "Worst", "1", 0, "C", true, 0, "")
	pdf.CellFormat(24, 7, "Peak", "1", 0, "C", true, 0, "")
	pdf.CellFormat(38, 7, "Peak At", "1", 1, "C", true, 0, "")

	pdf.SetFont("Arial", "", 9)
	fill := false
	for _, a := range data.Anomalies {
		if pdf.GetY() > 260 {
			pdf.AddPage()
		}
		if fill {
			pdf.SetFillColor(colorTableAlt[0], colorTableAlt[1], colorTableAlt[2])
		} else {
			pdf.SetFillColor(255, 255, 255)
		}
		pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
		pdf.CellFormat(40, 6, a.Room, "1", 0, "L", fill, 0, "")
		pdf.CellFormat(22, 6, fmt.Sprintf("%d", a.Episodes), "1", 0, "C", fill, 0, "")
		pdf.CellFormat(22, 6, fmt.Sprintf("%d", a.OpenNow), "1", 0, "C", fill, 0, "")
		lvlColor := levelColor(a.WorstLevel)
		pdf.SetTextColor(lvlColor[0], lvlColor[1], lvlColor[2])
		pdf.CellFormat(24, 6, a.WorstLevel.String(), "1", 0, "C", fill, 0, "")
		pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
		pdf.CellFormat(24, 6, fmt.Sprintf("%.2f", a.PeakScore), "1", 0, "C", fill, 0, "")
		pdf.CellFormat(38, 6, a.PeakAt.Format("Jan 2 15:04"), "1", 1, "C", fill, 0, "")
		fill = !fill
	}
	pdf.Ln(6)
}

func (g *Generator) writeProposalSection(pdf *fpdf.Fpdf, data *WeeklyData) {
	g.writeSectionTitle(pdf, "Proposals")

	if len(data.Proposals) == 0 {
		g.writeEmptyNote(pdf, "No proposals changed this week.")
		return
	}

	pdf.SetFillColor(colorTableHeader[0], colorTableHeader[1], colorTableHeader[2])
	pdf.SetTextColor(255, 255, 255)
	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(60, 7, "State", "1", 0, "L", true, 0, "")
	pdf.CellFormat(30, 7, "Count", "1", 1, "C", true, 0, "")

	pdf.SetFont("Arial", "", 9)
	fill := false
	for _, c := range data.Proposals {
		if fill {
			pdf.SetFillColor(colorTableAlt[0], colorTableAlt[1], colorTableAlt[2])
		} else {
			pdf.SetFillColor(255, 255, 255)
		}
		pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
		pdf.CellFormat(60, 6, c.State, "1", 0, "L", fill, 0, "")
		pdf.CellFormat(30, 6, fmt.Sprintf("%d", c.Count), "1", 1, "C", fill, 0, "")
		fill = !fill
	}
	pdf.Ln(6)
}

func (g *Generator) writeFooter(pdf *fpdf.Fpdf, data *WeeklyData) {
	_, pageHeight := pdf.GetPageSize()
	pdf.SetY(pageHeight - 20)
	pdf.SetFont("Arial", "", 8)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 5,
		fmt.Sprintf("Generated %s (%s)",
			data.GeneratedAt.Format(time.RFC1123), data.Timezone),
		"", 1, "L", false, 0, "")
}

func severityColor(severity string) [3]int {
	switch severity {
	case "HIGH":
		return colorDanger
	case "MEDIUM":
		return colorWarning
	default:
		return colorTextDark
	}
}

func levelColor(level models.AnomalyLevel) [3]int {
	switch level {
	case models.LevelRed:
		return colorDanger
	case models.LevelYellow:
		return colorWarning
	default:
		return colorAccent
	}
}
