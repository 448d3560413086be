// Package monitormode gates rule output per (monitor key, room). OFF
// suppresses a rule's deviations, TEST persists them tagged for the UI,
// ON is normal operation and the default when no row matches.
package monitormode

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"

	"github.com/agingos/agingos-go-rewrite/internal/errors"
	"github.com/agingos/agingos-go-rewrite/internal/models"
	"github.com/agingos/agingos-go-rewrite/internal/storage"
)

// Store persists monitor-mode rows.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Set upserts the mode for (monitorKey, roomID). An empty roomID targets the
// global row.
func (s *Store) Set(ctx context.Context, monitorKey, roomID, mode string, now time.Time) (*models.MonitorModeRow, error) {
	const op = "monitormode.set"
	if monitorKey == "" {
		return nil, errors.BadInputf(op, "monitor key is required")
	}
	if !models.ValidMonitorMode(mode) {
		return nil, errors.BadInputf(op, "invalid monitor mode %q", mode)
	}
	if roomID == "" {
		roomID = models.GlobalRoom
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO monitor_modes (monitor_key, room_id, mode, updated_us) VALUES (?, ?, ?, ?)
		 ON CONFLICT(monitor_key, room_id) DO UPDATE SET mode = excluded.mode, updated_us = excluded.updated_us`,
		monitorKey, roomID, mode, storage.Micros(now)); err != nil {
		return nil, fmt.Errorf("failed to upsert monitor mode: %w", err)
	}
	return &models.MonitorModeRow{MonitorKey: monitorKey, RoomID: roomID, Mode: mode, UpdatedAt: now.UTC()}, nil
}

// Delete removes one row.
func (s *Store) Delete(ctx context.Context, monitorKey, roomID string) error {
	const op = "monitormode.delete"
	if roomID == "" {
		roomID = models.GlobalRoom
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM monitor_modes WHERE monitor_key = ? AND room_id = ?`, monitorKey, roomID)
	if err != nil {
		return fmt.Errorf("failed to delete monitor mode: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result: %w", err)
	}
	if n == 0 {
		return errors.NotFoundf(op, monitorKey, "no monitor mode for (%s, %s)", monitorKey, roomID)
	}
	return nil
}

// List returns all rows ordered by key then room.
func (s *Store) List(ctx context.Context) ([]models.MonitorModeRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT monitor_key, room_id, mode, updated_us FROM monitor_modes
		 ORDER BY monitor_key ASC, room_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list monitor modes: %w", err)
	}
	defer rows.Close()
	return scanModeRows(rows)
}

// Resolve returns the effective mode for (monitorKey, roomID): the exact room
// row wins, then the first matching wildcard pattern row in room order, then
// the global row. With no matching row the mode is ON.
func (s *Store) Resolve(ctx context.Context, monitorKey, roomID string) (string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT monitor_key, room_id, mode, updated_us FROM monitor_modes
		 WHERE monitor_key = ? ORDER BY room_id ASC`, monitorKey)
	if err != nil {
		return "", fmt.Errorf("failed to load monitor modes: %w", err)
	}
	defer rows.Close()

	entries, err := scanModeRows(rows)
	if err != nil {
		return "", err
	}

	global := models.ModeOn
	var patternHit string
	for _, row := range entries {
		switch {
		case row.RoomID == models.GlobalRoom:
			global = row.Mode
		case roomID == "" || roomID == models.GlobalRoom:
			// Room-scoped rows are ignored for a global lookup.
		case row.RoomID == roomID:
			return row.Mode, nil
		case patternHit == "" && strings.ContainsAny(row.RoomID, "*?") && wildcard.Match(row.RoomID, roomID):
			patternHit = row.Mode
		}
	}
	if patternHit != "" {
		return patternHit, nil
	}
	return global, nil
}

func scanModeRows(rows *sql.Rows) ([]models.MonitorModeRow, error) {
	var out []models.MonitorModeRow
	for rows.Next() {
		var row models.MonitorModeRow
		var updatedUS int64
		if err := rows.Scan(&row.MonitorKey, &row.RoomID, &row.Mode, &updatedUS); err != nil {
			return nil, fmt.Errorf("failed to scan monitor mode: %w", err)
		}
		row.UpdatedAt = storage.FromMicros(updatedUS)
		out = append(out, row)
	}
	return out, rows.Err()
}
