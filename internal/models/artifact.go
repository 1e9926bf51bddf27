package models

import "time"

type ChartType string

const (
	ChartLine ChartType = "line"
	ChartBar  ChartType = "bar"
	ChartArea ChartType = "area"
)

// ChartPoint is one typed data point. X stays a string so date and
// category axes round-trip unchanged.
type ChartPoint struct {
	X string  `json:"x"`
	Y float64 `json:"y"`
}

type ChartSeries struct {
	Name string       `json:"name"`
	Data []ChartPoint `json:"data"`
}

// Chart is an immutable artifact created by the create_chart tool and
// referenced from assistant text by id. Payload never changes after
// creation; deletion only happens via cascading session delete.
type Chart struct {
	ID        string        `json:"id"`
	OwnerID   string        `json:"owner_id"`
	SessionID string        `json:"session_id"`
	Type      ChartType     `json:"type"`
	Title     string        `json:"title"`
	XLabel    string        `json:"x_label"`
	YLabel    string        `json:"y_label"`
	Series    []ChartSeries `json:"dataSeries"`
	CreatedAt time.Time     `json:"created_at"`
}

// CSV is an immutable tabular artifact. Every row has exactly
// len(Headers) columns; creation enforces the invariant.
type CSV struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	SessionID   string     `json:"session_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Headers     []string   `json:"headers"`
	Rows        [][]string `json:"rows"`
	CreatedAt   time.Time  `json:"created_at"`
}
