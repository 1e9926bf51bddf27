package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	chartdraw "github.com/wcharczuk/go-chart/v2"

	"finchatgo/internal/config"
	"finchatgo/internal/models"
)

// Rasterizer turns a stored chart payload into a static PNG. Both
// implementations must be deterministic for the same payload.
type Rasterizer interface {
	Rasterize(ctx context.Context, chart *models.Chart) ([]byte, error)
}

// PageTokenIssuer mints the single-use grant the chart page accepts in
// place of bearer credentials, since the browser sends none.
type PageTokenIssuer interface {
	Issue(ownerID, chartID string) string
}

// BrowserRasterizer delegates to the headless-browser collaborator: it
// posts the chart page URL and receives the captured PNG back.
type BrowserRasterizer struct {
	endpoint string
	pageBase string
	tokens   PageTokenIssuer
	client   *http.Client
}

// NewBrowserRasterizer returns nil when no collaborator is configured;
// callers then rely on the vector fallback alone.
func NewBrowserRasterizer(cfg config.CollaboratorConfig, pageBase string, tokens PageTokenIssuer) *BrowserRasterizer {
	if cfg.Endpoint == "" {
		return nil
	}
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &BrowserRasterizer{
		endpoint: cfg.Endpoint,
		pageBase: pageBase,
		tokens:   tokens,
		client:   &http.Client{Timeout: timeout},
	}
}

func (r *BrowserRasterizer) Rasterize(ctx context.Context, chart *models.Chart) ([]byte, error) {
	pageURL := fmt.Sprintf("%s/api/charts/%s/page", r.pageBase, chart.ID)
	if r.tokens != nil {
		pageURL += "?page_token=" + r.tokens.Issue(chart.OwnerID, chart.ID)
	}
	payload, err := json.Marshal(map[string]string{"url": pageURL})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rasterizer unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rasterizer returned status %d", resp.StatusCode)
	}
	png, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read rasterizer response: %w", err)
	}
	if len(png) == 0 {
		return nil, fmt.Errorf("rasterizer returned empty image")
	}
	return png, nil
}

// VectorRasterizer draws the chart in-process. It is the self-contained
// fallback when the browser collaborator is absent or fails.
type VectorRasterizer struct{}

func (VectorRasterizer) Rasterize(_ context.Context, c *models.Chart) ([]byte, error) {
	if len(c.Series) == 0 {
		return nil, fmt.Errorf("chart %s has no series", c.ID)
	}

	if c.Type == models.ChartBar && len(c.Series) == 1 {
		return renderBars(c)
	}
	return renderLines(c)
}

func renderLines(c *models.Chart) ([]byte, error) {
	labels := axisLabels(c)
	series := make([]chartdraw.Series, 0, len(c.Series))
	for i, s := range c.Series {
		xs := make([]float64, len(s.Data))
		ys := make([]float64, len(s.Data))
		for j, p := range s.Data {
			xs[j] = float64(j)
			ys[j] = p.Y
		}
		style := chartdraw.Style{StrokeColor: chartdraw.GetDefaultColor(i), StrokeWidth: 2}
		if c.Type == models.ChartArea {
			style.FillColor = chartdraw.GetDefaultColor(i).WithAlpha(64)
		}
		series = append(series, chartdraw.ContinuousSeries{
			Name:    s.Name,
			XValues: xs,
			YValues: ys,
			Style:   style,
		})
	}

	graph := chartdraw.Chart{
		Title:  c.Title,
		Width:  900,
		Height: 450,
		XAxis: chartdraw.XAxis{
			Name: c.XLabel,
			ValueFormatter: func(v interface{}) string {
				f, ok := v.(float64)
				if !ok {
					return ""
				}
				idx := int(f + 0.5)
				if idx < 0 || idx >= len(labels) || float64(idx) != f {
					return ""
				}
				return labels[idx]
			},
		},
		YAxis:  chartdraw.YAxis{Name: c.YLabel},
		Series: series,
	}
	graph.Elements = []chartdraw.Renderable{chartdraw.Legend(&graph)}

	var buf bytes.Buffer
	if err := graph.Render(chartdraw.PNG, &buf); err != nil {
		return nil, fmt.Errorf("render chart %s: %w", c.ID, err)
	}
	return buf.Bytes(), nil
}

func renderBars(c *models.Chart) ([]byte, error) {
	s := c.Series[0]
	values := make([]chartdraw.Value, 0, len(s.Data))
	for _, p := range s.Data {
		values = append(values, chartdraw.Value{Label: p.X, Value: p.Y})
	}
	graph := chartdraw.BarChart{
		Title:  c.Title,
		Width:  900,
		Height: 450,
		Bars:   values,
	}
	var buf bytes.Buffer
	if err := graph.Render(chartdraw.PNG, &buf); err != nil {
		return nil, fmt.Errorf("render chart %s: %w", c.ID, err)
	}
	return buf.Bytes(), nil
}

// axisLabels takes X labels from the longest series so every point has a
// tick, even when series lengths differ.
func axisLabels(c *models.Chart) []string {
	var longest []models.ChartPoint
	for _, s := range c.Series {
		if len(s.Data) > len(longest) {
			longest = s.Data
		}
	}
	labels := make([]string, len(longest))
	for i, p := range longest {
		labels[i] = p.X
	}
	return labels
}
