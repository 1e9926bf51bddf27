package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"finchatgo/internal/models"
)

type createChartParams struct {
	Title      string               `json:"title"`
	Type       string               `json:"type"`
	XLabel     string               `json:"x_label"`
	YLabel     string               `json:"y_label"`
	DataSeries []models.ChartSeries `json:"data_series"`
}

func initCreateChart(store ArtifactStore) tool.InvokableTool {
	pointParams := map[string]*schema.ParameterInfo{
		"x": {Desc: "X value (date or category)", Type: schema.String, Required: true},
		"y": {Desc: "Y value", Type: schema.Number, Required: true},
	}
	seriesParams := map[string]*schema.ParameterInfo{
		"name": {Desc: "Series name, e.g. a ticker symbol", Type: schema.String, Required: true},
		"data": {
			Desc:     "Ordered data points",
			Type:     schema.Array,
			Required: true,
			ElemInfo: &schema.ParameterInfo{Type: schema.Object, SubParams: pointParams},
		},
	}
	info := &schema.ToolInfo{
		Name: "create_chart",
		Desc: "Create a chart from one or more named data series. The result " +
			"contains a marker string; embed that marker verbatim in your answer " +
			"where the chart should appear.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"title": {Desc: "Chart title", Type: schema.String, Required: true},
			"type": {
				Desc:     "Chart type",
				Type:     schema.String,
				Enum:     []string{"line", "bar", "area"},
				Required: false,
			},
			"x_label": {Desc: "X axis label", Type: schema.String, Required: false},
			"y_label": {Desc: "Y axis label", Type: schema.String, Required: false},
			"data_series": {
				Desc:     "Named series of typed points",
				Type:     schema.Array,
				Required: true,
				ElemInfo: &schema.ParameterInfo{Type: schema.Object, SubParams: seriesParams},
			},
		}),
	}

	return utils.NewTool(info, func(ctx context.Context, params *createChartParams) (string, error) {
		if params == nil {
			return errorJSON("missing chart parameters"), nil
		}
		chartType := models.ChartType(params.Type)
		switch chartType {
		case models.ChartLine, models.ChartBar, models.ChartArea:
		case "":
			chartType = models.ChartLine
		default:
			return errorJSON(fmt.Sprintf("unsupported chart type %q", params.Type)), nil
		}
		if len(params.DataSeries) == 0 {
			return errorJSON("at least one data series is required"), nil
		}
		for i, s := range params.DataSeries {
			if strings.TrimSpace(s.Name) == "" {
				return errorJSON(fmt.Sprintf("series %d has no name", i)), nil
			}
			if len(s.Data) == 0 {
				return errorJSON(fmt.Sprintf("series %q has no data points", s.Name)), nil
			}
		}

		ownerID, sessionID, _, ok := TurnSessionFromContext(ctx)
		if !ok {
			return errorJSON("no session bound to this turn"), nil
		}
		chart := &models.Chart{
			ID:        uuid.NewString(),
			OwnerID:   ownerID,
			SessionID: sessionID,
			Type:      chartType,
			Title:     params.Title,
			XLabel:    params.XLabel,
			YLabel:    params.YLabel,
			Series:    params.DataSeries,
			CreatedAt: time.Now().UTC(),
		}
		if err := store.SaveChart(ctx, chart); err != nil {
			return "", fmt.Errorf("save chart: %w", err)
		}
		return artifactCreated("chart_id", chart.ID, ChartMarker(chart.Title, chart.ID))
	})
}

type createCSVParams struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Headers     []string   `json:"headers"`
	Rows        [][]string `json:"rows"`
}

func initCreateCSV(store ArtifactStore) tool.InvokableTool {
	info := &schema.ToolInfo{
		Name: "create_csv",
		Desc: "Create a CSV table. Every row must have exactly as many cells " +
			"as there are headers. The result contains a marker string; embed it " +
			"verbatim in your answer where the table should appear.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"title":       {Desc: "Table title", Type: schema.String, Required: true},
			"description": {Desc: "Short description of the table", Type: schema.String, Required: false},
			"headers": {
				Desc:     "Column headers",
				Type:     schema.Array,
				Required: true,
				ElemInfo: &schema.ParameterInfo{Type: schema.String},
			},
			"rows": {
				Desc:     "Row matrix; each row matches the header count",
				Type:     schema.Array,
				Required: true,
				ElemInfo: &schema.ParameterInfo{
					Type:     schema.Array,
					ElemInfo: &schema.ParameterInfo{Type: schema.String},
				},
			},
		}),
	}

	return utils.NewTool(info, func(ctx context.Context, params *createCSVParams) (string, error) {
		if params == nil {
			return errorJSON("missing csv parameters"), nil
		}
		if len(params.Headers) == 0 {
			return errorJSON("headers are required"), nil
		}
		for i, row := range params.Rows {
			if len(row) != len(params.Headers) {
				return errorJSON(fmt.Sprintf(
					"row %d has %d cells, expected %d", i, len(row), len(params.Headers))), nil
			}
		}

		ownerID, sessionID, _, ok := TurnSessionFromContext(ctx)
		if !ok {
			return errorJSON("no session bound to this turn"), nil
		}
		csv := &models.CSV{
			ID:          uuid.NewString(),
			OwnerID:     ownerID,
			SessionID:   sessionID,
			Title:       params.Title,
			Description: params.Description,
			Headers:     params.Headers,
			Rows:        params.Rows,
			CreatedAt:   time.Now().UTC(),
		}
		if err := store.SaveCSV(ctx, csv); err != nil {
			return "", fmt.Errorf("save csv: %w", err)
		}
		return artifactCreated("csv_id", csv.ID, CSVMarker(csv.Title, csv.ID))
	})
}

// ChartMarker builds the inline reference the model embeds in its text.
func ChartMarker(title, id string) string {
	return fmt.Sprintf("![%s](chart:%s)", markerLabel(title), id)
}

// CSVMarker builds the inline reference for a CSV artifact.
func CSVMarker(title, id string) string {
	return fmt.Sprintf("![%s](csv:%s)", markerLabel(title), id)
}

// markerLabel strips characters that would break the markdown grammar.
func markerLabel(title string) string {
	title = strings.NewReplacer("]", ")", "[", "(", "\n", " ").Replace(title)
	if title == "" {
		title = "artifact"
	}
	return title
}

func artifactCreated(idKey, id, marker string) (string, error) {
	data, err := json.Marshal(map[string]string{
		idKey:    id,
		"marker": marker,
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}
