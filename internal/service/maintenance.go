package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jask/banksync/internal/database"
	"github.com/jask/banksync/internal/database/repository"
)

const staleRunMessage = "synchronization interrupted before completion"

// MaintenanceService houses operational actions run from the CLI or at startup.
type MaintenanceService struct {
	DB  *sql.DB
	Log *zap.Logger
	Now func() time.Time
}

// RecoverStaleRuns releases connections whose run started more than olderThan
// ago and never finished, marking them as errored. It returns how many were
// released.
func (s *MaintenanceService) RecoverStaleRuns(ctx context.Context, olderThan time.Duration) (int, error) {
	if s.DB == nil {
		return 0, fmt.Errorf("maintenance: db not configured")
	}
	now := database.Now()
	if s.Now != nil {
		now = s.Now().UTC()
	}
	n, err := repository.NewConnectionRepo(s.DB).ReleaseStale(ctx, now.Add(-olderThan), repository.ConnectionError, staleRunMessage)
	if err != nil {
		return 0, fmt.Errorf("release stale runs: %w", err)
	}
	if n > 0 && s.Log != nil {
		s.Log.Warn("released stale synchronization runs", zap.Int64("count", n), zap.Duration("older_than", olderThan))
	}
	return int(n), nil
}
