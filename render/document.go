/*
Package render lays out a resolved invoice as a fixed-format, paginated PDF.

PURPOSE:
  Takes the canonical Invoice and places a fixed sequence of blocks onto
  A4 pages: header, parties, metadata box, billing period, the line-item
  table, totals box, payment instructions, closing note, and a per-page
  footer. The line-item table splits across pages and re-emits its header
  row at the top of every page it spans; all other blocks are atomic but
  still trigger a page break rather than overflow.

DETERMINISM:
  Output is a pure function of the Invoice plus the style constants below.
  The PDF creation date is pinned, so rendering the same invoice twice
  produces byte-identical documents.

CURSOR MODEL:
  An explicit cursor {page, y} threads through the block-drawing methods;
  each returns the advanced cursor. ensure() performs the break-before-
  overflow transition shared by every block.

ERROR HANDLING:
  A corrupt embedded logo skips the logo element, never the document.

SEE ALSO:
  - invoice/types.go: the canonical model this consumes
*/
package render

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/warp/invoice-engine/invoice"
	"github.com/warp/invoice-engine/logger"
)

// =============================================================================
// STYLE CONSTANTS
// =============================================================================

const (
	pageWidth    = 210.0 // A4 portrait, mm
	pageHeight   = 297.0
	marginLeft   = 12.0
	marginRight  = 12.0
	marginTop    = 16.0
	marginBottom = 22.0

	contentWidth = pageWidth - marginLeft - marginRight
	pageBottom   = pageHeight - marginBottom

	lineHeight    = 5.5
	tableRowH     = 7.0
	tableHeaderH  = 8.0
	boxPadding    = 3.0
	blockGap      = 6.0
	logoMaxWidth  = 34.0
	logoMaxHeight = 16.0
)

// Column layout for the line-item table. Widths sum to contentWidth.
var (
	tableHeaders = [5]string{"Employee (Role)", "Billing Period", "Hours", "Rate", "Total"}
	tableWidths  = [5]float64{62, 48, 20, 26, 30}
	tableAligns  = [5]string{"L", "L", "R", "R", "R"}
)

type rgb struct{ r, g, b int }

var (
	colorInk       = rgb{33, 37, 41}    // body text
	colorMuted     = rgb{108, 117, 125} // labels, footer
	colorAccent    = rgb{13, 71, 161}   // title, table header fill
	colorHeaderTxt = rgb{255, 255, 255}
	colorRowAlt    = rgb{241, 245, 249} // alternating row fill
	colorBoxFill   = rgb{248, 249, 250} // metadata / payment boxes
	colorRule      = rgb{206, 212, 218}
)

// creationDate is pinned so identical invoices render to identical bytes.
var creationDate = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

var nonAlphanumeric = regexp.MustCompile(`[^A-Za-z0-9]+`)

// =============================================================================
// ENGINE & DOCUMENT
// =============================================================================

// Engine renders canonical invoices. It holds no per-render state; each call
// builds a fresh underlying PDF, so concurrent renders never share a buffer.
type Engine struct {
	log *logger.Logger
}

func NewEngine(log *logger.Logger) *Engine {
	if log == nil {
		log = logger.NewNop()
	}
	return &Engine{log: log.Named("render")}
}

// Document is a finished layout. The bytes are produced once at render time
// and held here, so repeated reads always see the same document; it performs
// no file I/O itself.
type Document struct {
	data  []byte
	pages int
}

// Bytes returns the rendered document.
func (d *Document) Bytes() []byte { return d.data }

// WriteTo streams the document, for inline browser preview.
func (d *Document) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(d.data)
	return int64(n), err
}

// Pages reports how many pages the layout produced.
func (d *Document) Pages() int { return d.pages }

// Filename builds the download filename {sanitizedEmployeeName}_{number}.pdf.
// Every character outside [A-Za-z0-9] is stripped from each word of the
// name; surviving words join with underscores. The invoice number is kept
// as supplied, minus whitespace.
func Filename(employeeName, invoiceNumber string) string {
	var words []string
	for _, w := range strings.Fields(employeeName) {
		if w = nonAlphanumeric.ReplaceAllString(w, ""); w != "" {
			words = append(words, w)
		}
	}
	name := strings.Join(words, "_")
	if name == "" {
		name = "Invoice"
	}
	number := strings.Join(strings.Fields(invoiceNumber), "")
	if number == "" {
		number = "0000"
	}
	return fmt.Sprintf("%s_%s.pdf", name, number)
}

// =============================================================================
// LAYOUT - cursor-threaded block sequence
// =============================================================================

// cursor is the explicit layout position threaded through block draws.
type cursor struct {
	page int
	y    float64
}

type layout struct {
	pdf *gofpdf.Fpdf
	inv invoice.Invoice
	log *logger.Logger
}

// Render lays out the invoice and returns the finished document.
func (e *Engine) Render(inv invoice.Invoice) (*Document, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetCreationDate(creationDate)
	// Resource catalogs emit in sorted order instead of map order; without
	// this, two renders of the same invoice can differ in bytes.
	pdf.SetCatalogSort(true)
	pdf.SetMargins(marginLeft, marginTop, marginRight)
	pdf.SetAutoPageBreak(false, 0)
	pdf.AliasNbPages("")
	pdf.SetFooterFunc(func() {
		pdf.SetY(-16)
		pdf.SetFont("Helvetica", "", 8)
		setText(pdf, colorMuted)
		pdf.CellFormat(0, 5, fmt.Sprintf("Page %d of {nb}", pdf.PageNo()), "", 0, "C", false, 0, "")
	})

	l := &layout{pdf: pdf, inv: inv, log: e.log}

	pdf.AddPage()
	c := cursor{page: 1, y: marginTop}
	c = l.drawHeader(c)
	c = l.drawParties(c)
	c = l.drawMetadataBox(c)
	c = l.drawBillingPeriod(c)
	c = l.drawTable(c)
	c = l.drawTotalsBox(c)
	c = l.drawPaymentBox(c)
	l.drawClosingNote(c)

	if err := pdf.Error(); err != nil {
		return nil, &invoice.RenderError{Element: "layout", Cause: err}
	}

	// Output drains the underlying buffer, so serialize exactly once here
	// and serve every later read from the captured bytes.
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, &invoice.RenderError{Element: "document", Cause: err}
	}
	return &Document{data: buf.Bytes(), pages: pdf.PageCount()}, nil
}

// ensure is the single page-break transition: if the next block of height h
// would cross the bottom margin, start a new page and reset the cursor.
func (l *layout) ensure(c cursor, h float64) cursor {
	if c.y+h <= pageBottom {
		return c
	}
	l.pdf.AddPage()
	return cursor{page: c.page + 1, y: marginTop}
}

// =============================================================================
// FIXED BLOCKS
// =============================================================================

func (l *layout) drawHeader(c cursor) cursor {
	pdf := l.pdf

	pdf.SetFont("Helvetica", "B", 24)
	setText(pdf, colorAccent)
	pdf.SetXY(marginLeft, c.y)
	pdf.CellFormat(100, 10, "INVOICE", "", 0, "L", false, 0, "")

	pdf.SetFont("Helvetica", "", 10)
	setText(pdf, colorMuted)
	pdf.SetXY(marginLeft, c.y+11)
	pdf.CellFormat(100, 5, "# "+orNA(l.inv.Number), "", 0, "L", false, 0, "")

	l.drawLogo(c)

	c.y += 10 + 5 + blockGap
	return l.rule(c)
}

// drawLogo places the embedded company logo top-right. A logo that fails to
// decode is skipped; the document still renders.
func (l *layout) drawLogo(c cursor) {
	raw := l.inv.LogoPNG
	if len(raw) == 0 {
		return
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil || cfg.Width == 0 || cfg.Height == 0 {
		l.log.Warnw("skipping corrupt logo image", "invoice", l.inv.Number, "error", err)
		return
	}

	w := logoMaxWidth
	h := w * float64(cfg.Height) / float64(cfg.Width)
	if h > logoMaxHeight {
		h = logoMaxHeight
		w = h * float64(cfg.Width) / float64(cfg.Height)
	}

	opts := gofpdf.ImageOptions{ImageType: strings.ToUpper(format), ReadDpi: false}
	l.pdf.RegisterImageOptionsReader("company-logo", opts, bytes.NewReader(raw))
	if l.pdf.Err() {
		l.log.Warnw("skipping unregisterable logo image", "invoice", l.inv.Number, "error", l.pdf.Error())
		l.pdf.ClearError()
		return
	}
	l.pdf.ImageOptions("company-logo", pageWidth-marginRight-w, c.y, w, h, false, opts, 0, "")
}

func (l *layout) drawParties(c cursor) cursor {
	lines := partyLines(l.inv.Company)
	billTo := partyLines(l.inv.BillTo)
	rows := max(len(lines), len(billTo))
	h := lineHeight + float64(rows)*lineHeight + blockGap
	c = l.ensure(c, h)

	pdf := l.pdf
	half := contentWidth / 2

	pdf.SetFont("Helvetica", "B", 9)
	setText(pdf, colorMuted)
	pdf.SetXY(marginLeft, c.y)
	pdf.CellFormat(half, lineHeight, "FROM", "", 0, "L", false, 0, "")
	pdf.CellFormat(half, lineHeight, "BILL TO", "", 0, "L", false, 0, "")

	pdf.SetFont("Helvetica", "", 10)
	setText(pdf, colorInk)
	y := c.y + lineHeight
	for i := 0; i < rows; i++ {
		pdf.SetXY(marginLeft, y)
		pdf.CellFormat(half, lineHeight, at(lines, i), "", 0, "L", false, 0, "")
		pdf.CellFormat(half, lineHeight, at(billTo, i), "", 0, "L", false, 0, "")
		y += lineHeight
	}

	c.y += h
	return c
}

func (l *layout) drawMetadataBox(c cursor) cursor {
	type field struct{ label, value string }
	fields := []field{
		{"Invoice Number", orNA(l.inv.Number)},
		{"Issue Date", orNA(invoice.FormatDate(l.inv.IssueDate))},
		{"Due Date", orNA(invoice.FormatDate(l.inv.DueDate))},
		{"Payment Terms", orNA(l.inv.PaymentTerms)},
	}

	h := 2*boxPadding + 2*lineHeight
	c = l.ensure(c, h+blockGap)

	pdf := l.pdf
	setFill(pdf, colorBoxFill)
	setDraw(pdf, colorRule)
	pdf.Rect(marginLeft, c.y, contentWidth, h, "FD")

	colW := contentWidth / float64(len(fields))
	for i, f := range fields {
		x := marginLeft + float64(i)*colW
		pdf.SetFont("Helvetica", "B", 8)
		setText(pdf, colorMuted)
		pdf.SetXY(x+boxPadding, c.y+boxPadding)
		pdf.CellFormat(colW-2*boxPadding, lineHeight, strings.ToUpper(f.label), "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		setText(pdf, colorInk)
		pdf.SetXY(x+boxPadding, c.y+boxPadding+lineHeight)
		pdf.CellFormat(colW-2*boxPadding, lineHeight, f.value, "", 0, "L", false, 0, "")
	}

	c.y += h + blockGap
	return c
}

func (l *layout) drawBillingPeriod(c cursor) cursor {
	c = l.ensure(c, lineHeight+blockGap)

	pdf := l.pdf
	pdf.SetFont("Helvetica", "B", 10)
	setText(pdf, colorInk)
	pdf.SetXY(marginLeft, c.y)
	pdf.CellFormat(contentWidth, lineHeight, "Billing Period: "+l.inv.Period.String(), "", 0, "L", false, 0, "")

	c.y += lineHeight + blockGap
	return c
}

// =============================================================================
// TABLE REGION - the only block that splits across pages
// =============================================================================

func (l *layout) drawTable(c cursor) cursor {
	// Header plus at least one row must fit before starting the region.
	c = l.ensure(c, tableHeaderH+tableRowH)
	c = l.drawTableHeader(c)

	for i, li := range l.inv.LineItems {
		if c.y+tableRowH > pageBottom {
			l.pdf.AddPage()
			c = cursor{page: c.page + 1, y: marginTop}
			c = l.drawTableHeader(c)
		}
		c = l.drawTableRow(c, li, i%2 == 1)
	}

	c.y += blockGap
	return c
}

func (l *layout) drawTableHeader(c cursor) cursor {
	pdf := l.pdf
	pdf.SetFont("Helvetica", "B", 9)
	setText(pdf, colorHeaderTxt)
	setFill(pdf, colorAccent)

	pdf.SetXY(marginLeft, c.y)
	for i, hd := range tableHeaders {
		pdf.CellFormat(tableWidths[i], tableHeaderH, hd, "", 0, tableAligns[i], true, 0, "")
	}

	c.y += tableHeaderH
	return c
}

func (l *layout) drawTableRow(c cursor, li invoice.LineItem, alt bool) cursor {
	pdf := l.pdf
	pdf.SetFont("Helvetica", "", 9)
	setText(pdf, colorInk)
	setFill(pdf, colorRowAlt)

	name := li.EmployeeName
	if li.Role != "" {
		name = fmt.Sprintf("%s (%s)", li.EmployeeName, li.Role)
	}
	cells := [5]string{
		name,
		li.Description,
		li.HoursWorked.StringFixed(2),
		invoice.FormatMoney(li.HourlyRate),
		invoice.FormatMoney(li.Total),
	}

	pdf.SetXY(marginLeft, c.y)
	for i, cell := range cells {
		pdf.CellFormat(tableWidths[i], tableRowH, clip(pdf, cell, tableWidths[i]-2), "", 0, tableAligns[i], alt, 0, "")
	}

	c.y += tableRowH
	return c
}

// clip shortens a cell value with an ellipsis when it would overrun its
// column, so one long description cannot distort the table. Trimming is by
// rune, never mid-sequence through a multibyte character.
func clip(pdf *gofpdf.Fpdf, s string, w float64) string {
	if pdf.GetStringWidth(s) <= w {
		return s
	}
	runes := []rune(s)
	for len(runes) > 1 && pdf.GetStringWidth(strings.TrimSpace(string(runes))+"...") > w {
		runes = runes[:len(runes)-1]
	}
	return strings.TrimSpace(string(runes)) + "..."
}

// =============================================================================
// TOTALS, PAYMENT, CLOSING
// =============================================================================

func (l *layout) drawTotalsBox(c cursor) cursor {
	type row struct {
		label, value string
		strong       bool
	}
	rows := []row{
		{"Subtotal", invoice.FormatMoney(l.inv.Subtotal), false},
	}
	if l.inv.TaxExempt {
		rows = append(rows, row{"Tax (exempt)", invoice.FormatMoney(l.inv.Tax), false})
	} else {
		rows = append(rows, row{fmt.Sprintf("Tax (%s%%)", l.inv.TaxRatePercent.String()), invoice.FormatMoney(l.inv.Tax), false})
	}
	rows = append(rows, row{"Total Due", invoice.FormatMoney(l.inv.Total), true})

	boxW := tableWidths[3] + tableWidths[4] + 24
	h := float64(len(rows))*(lineHeight+1.5) + blockGap
	c = l.ensure(c, h)

	pdf := l.pdf
	x := pageWidth - marginRight - boxW
	y := c.y
	for _, r := range rows {
		if r.strong {
			setDraw(pdf, colorRule)
			pdf.Line(x, y, pageWidth-marginRight, y)
			y += 1.0
			pdf.SetFont("Helvetica", "B", 11)
		} else {
			pdf.SetFont("Helvetica", "", 10)
		}
		setText(pdf, colorInk)
		pdf.SetXY(x, y)
		pdf.CellFormat(boxW-tableWidths[4], lineHeight, r.label, "", 0, "L", false, 0, "")
		pdf.CellFormat(tableWidths[4], lineHeight, r.value, "", 0, "R", false, 0, "")
		y += lineHeight + 1.5
	}

	c.y += h
	return c
}

func (l *layout) drawPaymentBox(c cursor) cursor {
	lines := []string{
		"Please make payment within the stated terms to the account on file.",
		"Reference the invoice number on all transfers.",
	}
	h := 2*boxPadding + lineHeight + float64(len(lines))*lineHeight
	c = l.ensure(c, h+blockGap)

	pdf := l.pdf
	setFill(pdf, colorBoxFill)
	setDraw(pdf, colorRule)
	pdf.Rect(marginLeft, c.y, contentWidth, h, "FD")

	pdf.SetFont("Helvetica", "B", 9)
	setText(pdf, colorMuted)
	pdf.SetXY(marginLeft+boxPadding, c.y+boxPadding)
	pdf.CellFormat(contentWidth-2*boxPadding, lineHeight, "PAYMENT INSTRUCTIONS", "", 0, "L", false, 0, "")

	pdf.SetFont("Helvetica", "", 9)
	setText(pdf, colorInk)
	y := c.y + boxPadding + lineHeight
	for _, line := range lines {
		pdf.SetXY(marginLeft+boxPadding, y)
		pdf.CellFormat(contentWidth-2*boxPadding, lineHeight, line, "", 0, "L", false, 0, "")
		y += lineHeight
	}

	c.y += h + blockGap
	return c
}

func (l *layout) drawClosingNote(c cursor) cursor {
	c = l.ensure(c, lineHeight)

	pdf := l.pdf
	pdf.SetFont("Helvetica", "I", 9)
	setText(pdf, colorMuted)
	pdf.SetXY(marginLeft, c.y)
	pdf.CellFormat(contentWidth, lineHeight, "Thank you for your business.", "", 0, "C", false, 0, "")

	c.y += lineHeight
	return c
}

// rule draws a horizontal separator and advances past it.
func (l *layout) rule(c cursor) cursor {
	setDraw(l.pdf, colorRule)
	l.pdf.Line(marginLeft, c.y, pageWidth-marginRight, c.y)
	c.y += blockGap / 2
	return c
}

// =============================================================================
// SMALL HELPERS
// =============================================================================

func partyLines(p invoice.Party) []string {
	var lines []string
	for _, s := range []string{p.Name, p.Address, p.City, p.Email} {
		if s != "" {
			lines = append(lines, s)
		}
	}
	if len(lines) == 0 {
		lines = []string{"N/A"}
	}
	return lines
}

func at(lines []string, i int) string {
	if i < len(lines) {
		return lines[i]
	}
	return ""
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func setText(pdf *gofpdf.Fpdf, c rgb) { pdf.SetTextColor(c.r, c.g, c.b) }
func setFill(pdf *gofpdf.Fpdf, c rgb) { pdf.SetFillColor(c.r, c.g, c.b) }
func setDraw(pdf *gofpdf.Fpdf, c rgb) { pdf.SetDrawColor(c.r, c.g, c.b) }
