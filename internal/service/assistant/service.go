package assistant

import "database/sql"

// Service is the persistence collaborator: sessions, messages, charts
// and CSVs, all owner-scoped.
type Service struct {
	db *sql.DB
}

// NewService builds a new assistant service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}
