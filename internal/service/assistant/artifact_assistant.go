package assistant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"finchatgo/internal/models"
)

// ErrCorruptArtifact marks a stored payload that no longer parses.
// Callers translate it to a 404 rather than a 500: the artifact is gone
// for all practical purposes.
var ErrCorruptArtifact = errors.New("artifact payload corrupt")

// SaveChart persists an immutable chart payload. Called synchronously
// from the create_chart tool before it returns to the model.
func (s *Service) SaveChart(ctx context.Context, chart *models.Chart) error {
	if chart == nil || chart.ID == "" {
		return errors.New("chart with id required")
	}
	payload, err := json.Marshal(chart)
	if err != nil {
		return fmt.Errorf("encode chart: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO charts (id, owner_id, session_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		chart.ID, chart.OwnerID, chart.SessionID, string(payload), chart.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert chart: %w", err)
	}
	return nil
}

// GetChart fetches a chart by id, scoped to its owner.
func (s *Service) GetChart(ctx context.Context, ownerID, chartID string) (*models.Chart, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM charts WHERE id = ? AND owner_id = ?`, chartID, ownerID,
	).Scan(&payload)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get chart: %w", err)
	}
	var chart models.Chart
	if err := json.Unmarshal([]byte(payload), &chart); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
	}
	return &chart, nil
}

// SaveCSV persists an immutable CSV payload.
func (s *Service) SaveCSV(ctx context.Context, csv *models.CSV) error {
	if csv == nil || csv.ID == "" {
		return errors.New("csv with id required")
	}
	payload, err := json.Marshal(csv)
	if err != nil {
		return fmt.Errorf("encode csv: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO csvs (id, owner_id, session_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		csv.ID, csv.OwnerID, csv.SessionID, string(payload), csv.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert csv: %w", err)
	}
	return nil
}

// GetCSV fetches a CSV by id, scoped to its owner.
func (s *Service) GetCSV(ctx context.Context, ownerID, csvID string) (*models.CSV, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM csvs WHERE id = ? AND owner_id = ?`, csvID, ownerID,
	).Scan(&payload)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get csv: %w", err)
	}
	var csv models.CSV
	if err := json.Unmarshal([]byte(payload), &csv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
	}
	return &csv, nil
}
