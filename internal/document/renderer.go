// Package document renders transcripts into downloadable PDF files.
package document

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

const (
	margin         = 72.0
	bodyFontSize   = 12.0
	bodyLineHeight = 14.4
)

// Renderer turns plain text into a document.
type Renderer interface {
	Render(text string) ([]byte, error)
	ContentType() string
}

// PDFRenderer lays text out on letter or A4 pages with word wrapping.
// The built-in Helvetica covers cp1252 only; a TrueType font set via
// fontPath is embedded and renders any script the font has glyphs for.
type PDFRenderer struct {
	title       string
	pageSize    string
	placeholder string
	fontPath    string
	clock       func() time.Time
}

func NewPDFRenderer(cfg config.DocumentConfig) *PDFRenderer {
	size := "Letter"
	if strings.EqualFold(cfg.PageSize, "a4") {
		size = "A4"
	}
	placeholder := cfg.Placeholder
	if placeholder == "" {
		placeholder = "No transcription content."
	}
	return &PDFRenderer{
		title:       cfg.Title,
		pageSize:    size,
		placeholder: placeholder,
		fontPath:    cfg.FontPath,
		clock:       time.Now,
	}
}

func (r *PDFRenderer) ContentType() string {
	return "application/pdf"
}

// Render writes the title, a generation timestamp and the body text.
// Blank text is replaced by the placeholder.
func (r *PDFRenderer) Render(text string) ([]byte, error) {
	body := strings.Join(strings.Fields(text), " ")
	if body == "" {
		body = r.placeholder
	}
	now := r.clock()

	pdf := fpdf.New("P", "pt", r.pageSize, "")
	pdf.SetMargins(margin, margin, margin)
	pdf.SetAutoPageBreak(true, margin)
	pdf.SetCreationDate(now)
	pdf.SetTitle(r.title, true)

	family := "Helvetica"
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	if r.fontPath != "" {
		font, err := os.ReadFile(r.fontPath)
		if err != nil {
			return nil, fmt.Errorf("read font: %w", err)
		}
		family = "body"
		tr = func(s string) string { return s }
		pdf.AddUTF8FontFromBytes(family, "", font)
		pdf.AddUTF8FontFromBytes(family, "B", font)
		if err := pdf.Error(); err != nil {
			return nil, fmt.Errorf("load font %s: %w", r.fontPath, err)
		}
	}

	pdf.AddPage()
	pageWidth, _ := pdf.GetPageSize()
	width := pageWidth - 2*margin

	if r.title != "" {
		pdf.SetFont(family, "B", 16)
		pdf.CellFormat(width, 18, tr(r.title), "", 1, "L", false, 0, "")
	}
	pdf.SetFont(family, "", 10)
	pdf.CellFormat(width, 12, "Generated: "+now.Format("2006-01-02 15:04:05"), "", 1, "L", false, 0, "")
	pdf.Ln(18)

	pdf.SetFont(family, "", bodyFontSize)
	if r.fontPath != "" {
		pdf.MultiCell(width, bodyLineHeight, body, "", "L", false)
	} else {
		for _, line := range pdf.SplitText(tr(body), width) {
			pdf.CellFormat(width, bodyLineHeight, line, "", 1, "L", false, 0, "")
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// Filename returns a unique attachment name such as
// transcription_20250101_120000_1a2b3c4d.pdf.
func Filename(now time.Time) string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("transcription_%s_%s.pdf", now.Format("20060102_150405"), token)
}
