package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/ReferralPipe/internal/models"
)

// ListTriageParameters implements TriageRepo.
func (s *sqlDB) ListTriageParameters(ctx context.Context) ([]models.TriageParameter, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT section, param_key, value, check_sum FROM triage_parameters ORDER BY section, param_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to query triage parameters: %w", err)
	}
	defer rows.Close()

	var out []models.TriageParameter
	for rows.Next() {
		var p models.TriageParameter
		var section string
		if err := rows.Scan(&section, &p.Key, &p.Value, &p.CheckSum); err != nil {
			return nil, fmt.Errorf("failed to scan triage parameter: %w", err)
		}
		p.Section = models.TriageSection(section)
		out = append(out, p)
	}
	return out, rows.Err()
}

// SeedTriageParameters implements TriageRepo.
func (s *sqlDB) SeedTriageParameters(ctx context.Context, params []models.TriageParameter) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM triage_parameters`).Scan(&count); err != nil {
			return fmt.Errorf("failed to count triage parameters: %w", err)
		}
		if count > 0 {
			slog.Debug("Store.SeedTriageParameters: table already populated", "rows", count)
			return nil
		}
		for _, p := range params {
			_, err := tx.ExecContext(ctx, s.q(`INSERT INTO triage_parameters (section, param_key, value, check_sum) VALUES (?, ?, ?, ?)`),
				string(p.Section), p.Key, p.Value, p.CheckSum)
			if err != nil {
				return fmt.Errorf("failed to insert triage parameter %s/%s: %w", p.Section, p.Key, err)
			}
		}
		slog.Info("Store.SeedTriageParameters: seeded reference table", "rows", len(params))
		return nil
	})
}
