// Package state persists per-roaster pipeline state between runs:
// conditional-request validators, robots verdicts, failure streaks, and
// last-success stamps per job type.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/roastwatch/roastwatch/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS roaster_state (
	roaster_id        INTEGER PRIMARY KEY,
	last_etag         TEXT NOT NULL DEFAULT '',
	last_modified     TEXT NOT NULL DEFAULT '',
	robots_allowed    INTEGER NOT NULL DEFAULT 1,
	robots_checked_at TIMESTAMP,
	crawl_delay_ms    INTEGER NOT NULL DEFAULT 0,
	active            INTEGER NOT NULL DEFAULT 1,
	permanent_streak  INTEGER NOT NULL DEFAULT 0,
	full_success_at   TIMESTAMP,
	price_success_at  TIMESTAMP,
	fallback_period_start TIMESTAMP,
	fallback_used     INTEGER NOT NULL DEFAULT 0
);
`

// Store is the sqlite-backed roaster state store.
type Store struct {
	db *sqlx.DB
}

// Open creates or opens the state database.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the handle.
func (s *Store) Close() error { return s.db.Close() }

type row struct {
	RoasterID       int64         `db:"roaster_id"`
	LastETag        string        `db:"last_etag"`
	LastModified    string        `db:"last_modified"`
	RobotsAllowed   bool          `db:"robots_allowed"`
	RobotsCheckedAt sql.NullTime  `db:"robots_checked_at"`
	CrawlDelayMs    int64         `db:"crawl_delay_ms"`
	Active          bool          `db:"active"`
	PermanentStreak int           `db:"permanent_streak"`
	FullSuccessAt   sql.NullTime  `db:"full_success_at"`
	PriceSuccessAt  sql.NullTime  `db:"price_success_at"`

	FallbackPeriodStart sql.NullTime `db:"fallback_period_start"`
	FallbackUsed        int64        `db:"fallback_used"`
}

// Hydrate copies persisted state onto the roaster record. Roasters the
// store has never seen start active with robots allowed.
func (s *Store) Hydrate(ctx context.Context, r *model.Roaster) error {
	var rw row
	err := s.db.GetContext(ctx, &rw,
		`SELECT * FROM roaster_state WHERE roaster_id = ?`, r.ID)
	if errors.Is(err, sql.ErrNoRows) {
		r.Active = true
		r.RobotsAllowed = true
		return nil
	}
	if err != nil {
		return err
	}
	r.LastETag = rw.LastETag
	r.LastModified = rw.LastModified
	r.RobotsAllowed = rw.RobotsAllowed
	if rw.RobotsCheckedAt.Valid {
		r.RobotsCheckedAt = rw.RobotsCheckedAt.Time
	}
	r.CrawlDelay = time.Duration(rw.CrawlDelayMs) * time.Millisecond
	r.Active = rw.Active
	return nil
}

func (s *Store) ensure(ctx context.Context, roasterID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO roaster_state (roaster_id) VALUES (?) ON CONFLICT (roaster_id) DO NOTHING`,
		roasterID)
	return err
}

// SetConditional stores the run's ETag/Last-Modified validators. Called
// once per successful run by a single writer.
func (s *Store) SetConditional(ctx context.Context, roasterID int64, etag, lastModified string) error {
	if err := s.ensure(ctx, roasterID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE roaster_state SET last_etag = ?, last_modified = ? WHERE roaster_id = ?`,
		etag, lastModified, roasterID)
	return err
}

// SetRobots stores a robots verdict and crawl delay.
func (s *Store) SetRobots(ctx context.Context, roasterID int64, allowed bool, checkedAt time.Time, crawlDelay time.Duration) error {
	if err := s.ensure(ctx, roasterID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE roaster_state
		SET robots_allowed = ?, robots_checked_at = ?, crawl_delay_ms = ?
		WHERE roaster_id = ?`,
		allowed, checkedAt, crawlDelay.Milliseconds(), roasterID)
	return err
}

// FallbackUsage returns the saved fallback-extract consumption: the
// billing period start plus units used. A zero start means nothing has
// been saved.
func (s *Store) FallbackUsage(ctx context.Context, roasterID int64) (time.Time, int64, error) {
	var rw struct {
		Start sql.NullTime `db:"fallback_period_start"`
		Used  int64        `db:"fallback_used"`
	}
	err := s.db.GetContext(ctx, &rw,
		`SELECT fallback_period_start, fallback_used FROM roaster_state WHERE roaster_id = ?`,
		roasterID)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, 0, nil
	}
	if err != nil {
		return time.Time{}, 0, err
	}
	if !rw.Start.Valid {
		return time.Time{}, 0, nil
	}
	return rw.Start.Time.UTC(), rw.Used, nil
}

// SetFallbackUsage saves fallback-extract consumption for the period so
// the budget survives restarts.
func (s *Store) SetFallbackUsage(ctx context.Context, roasterID int64, periodStart time.Time, used int64) error {
	if err := s.ensure(ctx, roasterID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE roaster_state SET fallback_period_start = ?, fallback_used = ? WHERE roaster_id = ?`,
		periodStart, used, roasterID)
	return err
}

// RecordSuccess stamps the job type's last success and clears the
// permanent-failure streak.
func (s *Store) RecordSuccess(ctx context.Context, roasterID int64, t model.JobType, at time.Time) error {
	if err := s.ensure(ctx, roasterID); err != nil {
		return err
	}
	col := "full_success_at"
	if t == model.JobPriceOnly {
		col = "price_success_at"
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE roaster_state SET `+col+` = ?, permanent_streak = 0 WHERE roaster_id = ?`,
		at, roasterID)
	return err
}

// LastSuccess returns the job type's last success stamp, zero when the
// roaster has never succeeded.
func (s *Store) LastSuccess(ctx context.Context, roasterID int64, t model.JobType) (time.Time, error) {
	col := "full_success_at"
	if t == model.JobPriceOnly {
		col = "price_success_at"
	}
	var at sql.NullTime
	err := s.db.GetContext(ctx, &at,
		`SELECT `+col+` FROM roaster_state WHERE roaster_id = ?`, roasterID)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	if !at.Valid {
		return time.Time{}, nil
	}
	return at.Time, nil
}

// RecordPermanentFailure bumps the streak and deactivates the roaster
// at three in a row. Returns whether the roaster is still active.
func (s *Store) RecordPermanentFailure(ctx context.Context, roasterID int64) (bool, error) {
	if err := s.ensure(ctx, roasterID); err != nil {
		return false, err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE roaster_state
		SET permanent_streak = permanent_streak + 1,
		    active = CASE WHEN permanent_streak + 1 >= 3 THEN 0 ELSE active END
		WHERE roaster_id = ?`, roasterID)
	if err != nil {
		return false, err
	}
	var active bool
	if err := s.db.GetContext(ctx, &active,
		`SELECT active FROM roaster_state WHERE roaster_id = ?`, roasterID); err != nil {
		return false, err
	}
	if !active {
		log.Error().Int64("roaster", roasterID).
			Msg("roaster deactivated after repeated permanent failures")
	}
	return active, nil
}

// Reactivate clears the streak and reactivates the roaster. Operator
// action.
func (s *Store) Reactivate(ctx context.Context, roasterID int64) error {
	if err := s.ensure(ctx, roasterID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE roaster_state SET active = 1, permanent_streak = 0 WHERE roaster_id = ?`,
		roasterID)
	return err
}
