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
)

// today returns the current day in the rate-counter key format.
func today() string {
	return timeNow().Format("2006-01-02")
}

// CheckRate reports whether ip may make another request today under the
// given daily limit, and how many requests remain.
//
// The check and the increment are deliberately separate calls: the quota is
// a soft guard, and two concurrent requests may both pass the check.
func (s *Store) CheckRate(ctx context.Context, ip string, limit int) (allowed bool, remaining int, err error) {
	var count int
	err = s.db.QueryRowContext(ctx,
		`SELECT request_count FROM rate_limits WHERE ip_address = ? AND request_date = ?`,
		ip, today(),
	).Scan(&count)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, 0, fmt.Errorf("check rate limit: %w", err)
	}

	remaining = limit - count
	if remaining < 0 {
		remaining = 0
	}
	return count < limit, remaining, nil
}

// IncrementRate counts one request for ip against today's quota. The upsert
// is atomic: concurrent increments cannot lose a count.
func (s *Store) IncrementRate(ctx context.Context, ip string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_limits (ip_address, request_date, request_count)
		 VALUES (?, ?, 1)
		 ON CONFLICT(ip_address, request_date)
		 DO UPDATE SET request_count = request_count + 1`,
		ip, today())
	if err != nil {
		return fmt.Errorf("increment rate limit: %w", err)
	}
	return nil
}

// RateCount returns today's raw counter for ip. Zero if no requests yet.
func (s *Store) RateCount(ctx context.Context, ip string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT request_count FROM rate_limits WHERE ip_address = ? AND request_date = ?`,
		ip, today(),
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("rate count: %w", err)
	}
	return count, nil
}
