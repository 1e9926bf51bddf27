// Package report renders a finished conversation into a PDF document
// with embedded charts, tables, and a reference list. Citation numbering
// is re-derived from persisted parts with the same extractor the live UI
// uses, so a rendered report always matches what the client displayed.
package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"

	"finchatgo/internal/extract"
	"finchatgo/internal/models"
	"finchatgo/internal/redis"
)

// Store is the persistence slice the renderer reads from. The assistant
// service implements it.
type Store interface {
	GetSessionWithMessages(ctx context.Context, ownerID, sessionID string) (*models.Session, []*models.Message, error)
	GetChart(ctx context.Context, ownerID, chartID string) (*models.Chart, error)
	GetCSV(ctx context.Context, ownerID, csvID string) (*models.CSV, error)
}

// ErrNoContent marks a session with no assistant output to render.
var ErrNoContent = errors.New("session has no renderable messages")

const (
	defaultBudget = 30 * time.Second
	cacheTTL      = 10 * time.Minute
	pageWidth     = 210.0
	marginX       = 20.0
	bodyWidth     = pageWidth - 2*marginX
	maxFilename   = 64
)

// Document is one rendered report.
type Document struct {
	Filename string
	Data     []byte
}

type Renderer struct {
	store    Store
	cache    *redis.Client
	browser  Rasterizer
	fallback Rasterizer
	budget   time.Duration
}

// NewRenderer builds the renderer. cache and browser may be nil; the
// vector fallback always exists so chart rendering never depends on the
// collaborator being up.
func NewRenderer(store Store, cache *redis.Client, browser Rasterizer, budgetSeconds int) *Renderer {
	budget := time.Duration(budgetSeconds) * time.Second
	if budget <= 0 {
		budget = defaultBudget
	}
	return &Renderer{
		store:    store,
		cache:    cache,
		browser:  browser,
		fallback: VectorRasterizer{},
		budget:   budget,
	}
}

// Render produces the session's report. The whole render runs under a
// wall-clock budget; exceeding it aborts with a deadline error rather
// than holding the request slot. A failed chart or missing CSV degrades
// to a gap in the document, never a whole-render failure.
func (r *Renderer) Render(ctx context.Context, ownerID, sessionID string) (*Document, error) {
	ctx, cancel := context.WithTimeout(ctx, r.budget)
	defer cancel()

	sess, msgs, err := r.store.GetSessionWithMessages(ctx, ownerID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	var assistantMsgs []*models.Message
	var allParts []models.Part
	for _, m := range msgs {
		if m.Role != models.RoleAssistant {
			continue
		}
		assistantMsgs = append(assistantMsgs, m)
		allParts = append(allParts, m.Parts...)
	}
	if len(assistantMsgs) == 0 {
		return nil, ErrNoContent
	}

	filename := sanitizeFilename(sess.Title) + ".pdf"

	cacheKey := fmt.Sprintf("report:%s:%s:%d", ownerID, sessionID, sess.UpdatedAt.Unix())
	if r.cache != nil {
		if cached, err := r.cache.Get(ctx, cacheKey); err == nil && cached != "" {
			return &Document{Filename: filename, Data: []byte(cached)}, nil
		}
	}

	ext := extract.Run(allParts)

	data, err := r.assemble(ctx, ownerID, sess, assistantMsgs, ext)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, cacheKey, string(data), cacheTTL); err != nil {
			log.Printf("report cache write failed: %v", err)
		}
	}
	return &Document{Filename: filename, Data: data}, nil
}

func (r *Renderer) assemble(ctx context.Context, ownerID string, sess *models.Session, msgs []*models.Message, ext extract.Extraction) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetMargins(marginX, 28, marginX)
	pdf.AliasNbPages("")

	title := sess.Title
	pdf.SetHeaderFunc(func() {
		pdf.SetY(10)
		pdf.SetFont("Helvetica", "B", 11)
		pdf.CellFormat(bodyWidth/2, 8, tr(title), "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 8)
		pdf.SetTextColor(160, 30, 30)
		pdf.CellFormat(bodyWidth/2, 8, "CONFIDENTIAL", "", 0, "R", false, 0, "")
		pdf.SetTextColor(0, 0, 0)
		pdf.Ln(12)
	})
	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont("Helvetica", "", 8)
		pdf.SetTextColor(120, 120, 120)
		pdf.CellFormat(0, 8, fmt.Sprintf("Page %d of {nb}", pdf.PageNo()), "", 0, "C", false, 0, "")
		pdf.SetTextColor(0, 0, 0)
	})

	pdf.AddPage()
	pdf.SetFont("Helvetica", "", 10)

	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("report budget exceeded: %w", err)
		}
		r.writeMessage(ctx, pdf, tr, ownerID, m)
	}

	r.writeReferences(pdf, tr, ext)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("emit document: %w", err)
	}
	return buf.Bytes(), nil
}

// writeMessage writes one assistant message's prose, splicing chart
// images and CSV tables in at the position of their inline markers.
func (r *Renderer) writeMessage(ctx context.Context, pdf *fpdf.Fpdf, tr func(string) string, ownerID string, m *models.Message) {
	text := m.Text()
	refs := extract.FindArtifactRefs(text)

	cursor := 0
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return
		}
		if ref.Start > cursor {
			writeProse(pdf, tr, text[cursor:ref.Start])
		}
		switch ref.Kind {
		case extract.ArtifactChart:
			r.writeChart(ctx, pdf, ownerID, ref.ID)
		case extract.ArtifactCSV:
			r.writeCSV(ctx, pdf, tr, ownerID, ref.ID)
		}
		cursor = ref.End
	}
	if cursor < len(text) {
		writeProse(pdf, tr, text[cursor:])
	}
	pdf.Ln(4)
}

func writeProse(pdf *fpdf.Fpdf, tr func(string) string, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	pdf.SetFont("Helvetica", "", 10)
	pdf.MultiCell(bodyWidth, 5, tr(text), "", "L", false)
	pdf.Ln(2)
}

// writeChart embeds a chart image. Rasterization tries the browser
// collaborator first and falls back to in-process vector drawing; when
// both fail the slot is left empty and the rest still renders.
func (r *Renderer) writeChart(ctx context.Context, pdf *fpdf.Fpdf, ownerID, chartID string) {
	chart, err := r.store.GetChart(ctx, ownerID, chartID)
	if err != nil {
		log.Printf("report: chart %s unavailable: %v", chartID, err)
		return
	}

	png, err := r.rasterize(ctx, chart)
	if err != nil {
		log.Printf("report: chart %s failed to rasterize: %v", chartID, err)
		return
	}

	opts := fpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader(chart.ID, opts, bytes.NewReader(png))
	imgWidth := 150.0
	pdf.ImageOptions(chart.ID, (pageWidth-imgWidth)/2, -1, imgWidth, 0, true, opts, 0, "")
	pdf.Ln(4)
}

func (r *Renderer) rasterize(ctx context.Context, chart *models.Chart) ([]byte, error) {
	if r.browser != nil {
		png, err := r.browser.Rasterize(ctx, chart)
		if err == nil {
			return png, nil
		}
		log.Printf("report: browser rasterizer failed for chart %s, using vector fallback: %v", chart.ID, err)
	}
	return r.fallback.Rasterize(ctx, chart)
}

// writeCSV embeds a CSV artifact as a bordered table. A missing CSV
// skips the placeholder.
func (r *Renderer) writeCSV(ctx context.Context, pdf *fpdf.Fpdf, tr func(string) string, ownerID, csvID string) {
	csv, err := r.store.GetCSV(ctx, ownerID, csvID)
	if err != nil {
		log.Printf("report: csv %s unavailable: %v", csvID, err)
		return
	}
	if len(csv.Headers) == 0 {
		return
	}

	if csv.Title != "" {
		pdf.SetFont("Helvetica", "B", 10)
		pdf.CellFormat(bodyWidth, 6, tr(csv.Title), "", 1, "L", false, 0, "")
	}

	colWidth := bodyWidth / float64(len(csv.Headers))
	pdf.SetFont("Helvetica", "B", 8)
	pdf.SetFillColor(235, 235, 235)
	for _, h := range csv.Headers {
		pdf.CellFormat(colWidth, 6, tr(clip(h, 40)), "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 8)
	for _, row := range csv.Rows {
		for _, cell := range row {
			pdf.CellFormat(colWidth, 6, tr(clip(cell, 40)), "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}
	pdf.Ln(4)
}

// writeReferences appends the numbered source list. Markers with no
// backing source are already treated as plain text in the prose and do
// not appear here.
func (r *Renderer) writeReferences(pdf *fpdf.Fpdf, tr func(string) string, ext extract.Extraction) {
	if len(ext.Order) == 0 {
		return
	}
	pdf.Ln(4)
	pdf.SetFont("Helvetica", "B", 11)
	pdf.CellFormat(bodyWidth, 7, "References", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	for _, marker := range ext.Order {
		for _, src := range ext.Markers[marker] {
			line := fmt.Sprintf("%s %s", marker, src.Title)
			if src.URL != "" {
				line += " - " + src.URL
			}
			if src.Date != "" {
				line += " (" + src.Date + ")"
			}
			pdf.MultiCell(bodyWidth, 5, tr(line), "", "L", false)
		}
	}
}

// clip truncates on rune boundaries so multi-byte cell text cannot be
// split mid-character.
func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "~"
}

// sanitizeFilename derives a download filename from the session title:
// non-alphanumeric runs collapse to underscores and the result is
// truncated to a fixed length.
func sanitizeFilename(title string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	name := strings.Trim(b.String(), "_")
	if name == "" {
		name = "report"
	}
	if len(name) > maxFilename {
		name = name[:maxFilename]
	}
	return name
}
