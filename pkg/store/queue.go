// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const entryColumns = `id, model, kind, quant, name, requester_ip, status, COALESCE(error, ''), created_at, updated_at`

func scanEntry(row interface{ Scan(...any) error }) (Entry, error) {
	var (
		e       Entry
		created string
		updated string
	)
	err := row.Scan(&e.ID, &e.Model, &e.Kind, &e.Quant, &e.Name,
		&e.RequesterIP, &e.Status, &e.Error, &created, &updated)
	if err != nil {
		return Entry{}, err
	}
	e.CreatedAt = parseTime(created)
	e.UpdatedAt = parseTime(updated)
	return e, nil
}

// Enqueue inserts a pending entry unless one for the same (model, kind)
// already exists. The dedup check and the insert run in one transaction so
// two concurrent requests for the same model yield exactly one new row.
//
// Enqueue does not touch the rate limiter; the gateway composes the two.
func (s *Store) Enqueue(ctx context.Context, e Entry) (EnqueueResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("begin enqueue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM queue WHERE model = ? AND kind = ? AND status = ? LIMIT 1`,
		e.Model, e.Kind, StatusPending,
	).Scan(&existing)
	switch {
	case err == nil:
		return EnqueueResult{AlreadyQueued: true}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return EnqueueResult{}, fmt.Errorf("check pending: %w", err)
	}

	ts := now()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO queue (model, kind, quant, name, requester_ip, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Model, e.Kind, e.Quant, e.Name, e.RequesterIP, StatusPending, ts, ts,
	)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("insert queue entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("queue entry id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return EnqueueResult{}, fmt.Errorf("commit enqueue: %w", err)
	}

	s.logger.Info("queue.enqueue", "model", e.Model, "kind", e.Kind, "id", id, "requester", e.RequesterIP)
	return EnqueueResult{ID: id}, nil
}

// Status returns queue counts, the active window (up to 50 pending and
// downloading entries, FIFO by creation time), and the 10 most recently
// updated terminal entries.
func (s *Store) Status(ctx context.Context) (*QueueStatus, error) {
	st := &QueueStatus{Queue: []Entry{}, Recent: []Entry{}}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	for rows.Next() {
		var (
			status Status
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan count: %w", err)
		}
		switch status {
		case StatusPending:
			st.Counts.Pending = n
		case StatusDownloading:
			st.Counts.Downloading = n
		case StatusCompleted:
			st.Counts.Completed = n
		case StatusFailed:
			st.Counts.Failed = n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	active, err := s.selectEntries(ctx,
		`SELECT `+entryColumns+` FROM queue
		 WHERE status IN (?, ?)
		 ORDER BY created_at ASC, id ASC LIMIT 50`,
		StatusPending, StatusDownloading)
	if err != nil {
		return nil, err
	}
	st.Queue = active

	recent, err := s.selectEntries(ctx,
		`SELECT `+entryColumns+` FROM queue
		 WHERE status IN (?, ?)
		 ORDER BY updated_at DESC, id DESC LIMIT 10`,
		StatusCompleted, StatusFailed)
	if err != nil {
		return nil, err
	}
	st.Recent = recent

	return st, nil
}

func (s *Store) selectEntries(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PendingModels returns the distinct model identifiers of pending entries,
// in FIFO order. Used by the merged catalog view.
func (s *Store) PendingModels(ctx context.Context) ([]Entry, error) {
	return s.selectEntries(ctx,
		`SELECT `+entryColumns+` FROM queue
		 WHERE status = ?
		 ORDER BY created_at ASC, id ASC`,
		StatusPending)
}

// DeletePending removes pending entries for the given model. Entries that
// are downloading or terminal are never touched by this call.
func (s *Store) DeletePending(ctx context.Context, model string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM queue WHERE model = ? AND status = ?`,
		model, StatusPending)
	if err != nil {
		return 0, fmt.Errorf("delete pending: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("queue.delete_pending", "model", model, "removed", n)
	}
	return n, nil
}

// ClaimNextPending atomically transitions the oldest pending entry to
// downloading and returns it. Returns nil when the queue is empty. If kinds
// are given, only entries of those kinds are considered; the ingestion
// worker claims hub entries and leaves native pulls for the off-peak
// downloader.
//
// Ownership is claimed by a conditional update on the specific id, so two
// workers polling the same store cannot both own one entry.
func (s *Store) ClaimNextPending(ctx context.Context, kinds ...Kind) (*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM queue WHERE status = ?`
	args := []any{StatusPending}
	if len(kinds) > 0 {
		query += ` AND kind IN (?` + strings.Repeat(", ?", len(kinds)-1) + `)`
		for _, k := range kinds {
			args = append(args, k)
		}
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT 1`

	for {
		row := s.db.QueryRowContext(ctx, query, args...)
		e, err := scanEntry(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("next pending: %w", err)
		}

		res, err := s.db.ExecContext(ctx,
			`UPDATE queue SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			StatusDownloading, now(), e.ID, StatusPending)
		if err != nil {
			return nil, fmt.Errorf("claim entry %d: %w", e.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			e.Status = StatusDownloading
			return &e, nil
		}
		// Lost the race for this entry; try the next one.
	}
}

// MarkCompleted transitions an entry to completed.
func (s *Store) MarkCompleted(ctx context.Context, id int64) error {
	return s.markTerminal(ctx, id, StatusCompleted, "")
}

// MarkFailed transitions an entry to failed with a diagnostic message.
func (s *Store) MarkFailed(ctx context.Context, id int64, reason string) error {
	return s.markTerminal(ctx, id, StatusFailed, reason)
}

func (s *Store) markTerminal(ctx context.Context, id int64, status Status, reason string) error {
	var errVal any
	if reason != "" {
		errVal = reason
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, errVal, now(), id)
	if err != nil {
		return fmt.Errorf("mark %s: %w", status, err)
	}
	s.logger.Info("queue.transition", "id", id, "status", status, "error", reason)
	return nil
}

// RecoverOrphans resets every downloading entry to pending. Called once at
// startup: a downloading row whose owning process is gone is an orphan from
// a crash or kill, and must become claimable again.
func (s *Store) RecoverOrphans(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue SET status = ?, updated_at = ? WHERE status = ?`,
		StatusPending, now(), StatusDownloading)
	if err != nil {
		return 0, fmt.Errorf("recover orphans: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warn("queue.recover_orphans", "reset", n)
	}
	return n, nil
}

// SweepRetention deletes terminal entries older than the retention window.
func (s *Store) SweepRetention(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := formatTime(timeNow().AddDate(0, 0, -days))
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM queue WHERE status IN (?, ?) AND updated_at < ?`,
		StatusCompleted, StatusFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep retention: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("queue.sweep", "removed", n, "days", days)
	}
	return n, nil
}

// ReconcileCompleted resets completed entries whose subject is absent from
// the backend catalog back to pending. The catalog set must contain both
// name:tag and bare name forms (see ollama.Client.ListModels).
//
// For hub entries the subject is the registered model name: the custom name
// if one was given, otherwise the default derived from the repo id.
func (s *Store) ReconcileCompleted(ctx context.Context, catalog map[string]bool) (int64, error) {
	completed, err := s.selectEntries(ctx,
		`SELECT `+entryColumns+` FROM queue WHERE status = ?`, StatusCompleted)
	if err != nil {
		return 0, err
	}

	var reset int64
	for _, e := range completed {
		if catalogHas(catalog, e.Subject()) {
			continue
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE queue SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			StatusPending, now(), e.ID, StatusCompleted)
		if err != nil {
			return reset, fmt.Errorf("reconcile entry %d: %w", e.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			reset++
			s.logger.Info("queue.reconcile.reset", "id", e.ID, "model", e.Model)
		}
	}
	return reset, nil
}

// Subject is the identifier the entry should be matched against in the
// backend catalog.
func (e Entry) Subject() string {
	if e.Kind == KindHub {
		if e.Name != "" {
			return e.Name
		}
		return DefaultModelName(e.Model)
	}
	return e.Model
}

func catalogHas(catalog map[string]bool, model string) bool {
	if catalog[model] {
		return true
	}
	// A completed "llama2:7b" is still present if the backend lists only
	// the bare "llama2".
	if base, _, found := strings.Cut(model, ":"); found && catalog[base] {
		return true
	}
	return false
}

// DefaultModelName derives the backend model name for a hub repository:
// the repo basename lowercased with every non-alphanumeric run collapsed
// to a single hyphen.
func DefaultModelName(repo string) string {
	base := repo
	if i := strings.LastIndex(repo, "/"); i >= 0 {
		base = repo[i+1:]
	}
	base = strings.ToLower(base)

	var b strings.Builder
	for _, r := range base {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}
	name := b.String()
	for strings.Contains(name, "--") {
		name = strings.ReplaceAll(name, "--", "-")
	}
	return strings.Trim(name, "-")
}
