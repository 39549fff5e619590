// Package history persists finished discussions to PostgreSQL so
// returning users can see who they already talked with and on what.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Entry is one finished discussion from a single user's point of view.
type Entry struct {
	ID            int64     `db:"id" json:"id"`
	RoomID        string    `db:"room_id" json:"roomId"`
	UserID        string    `db:"user_id" json:"userId"`
	PartnerID     string    `db:"partner_id" json:"partnerId"`
	PartnerName   string    `db:"partner_name" json:"partnerName"`
	Topic         string    `db:"topic" json:"topic"`
	Language      string    `db:"language" json:"language"`
	StartedAt     time.Time `db:"started_at" json:"startedAt"`
	EndedAt       time.Time `db:"ended_at" json:"endedAt"`
	DurationSecs  float64   `db:"duration_seconds" json:"durationSeconds"`
}

// Recorder writes and reads discussion history. A nil *Recorder is a
// valid no-op so sessions run fine without PostgreSQL configured.
type Recorder struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewRecorder connects, verifies the connection and ensures the
// schema.
func NewRecorder(dsn string, logger *zap.Logger) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping database: %w", err)
	}

	r := &Recorder{db: db, logger: logger.Named("history")}
	if err := r.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: init schema: %w", err)
	}
	return r, nil
}

func (r *Recorder) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS discussion_history (
		id BIGSERIAL PRIMARY KEY,
		room_id VARCHAR(64) NOT NULL,
		user_id VARCHAR(64) NOT NULL,
		partner_id VARCHAR(64) NOT NULL,
		partner_name VARCHAR(255) NOT NULL DEFAULT '',
		topic VARCHAR(255) NOT NULL,
		language VARCHAR(16) NOT NULL DEFAULT 'en',
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ NOT NULL,
		duration_seconds FLOAT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_history_user ON discussion_history(user_id, ended_at DESC);
	CREATE INDEX IF NOT EXISTS idx_history_room ON discussion_history(room_id);
	`
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// Record appends one entry. Nil receivers discard it.
func (r *Recorder) Record(ctx context.Context, e Entry) error {
	if r == nil {
		return nil
	}
	if e.EndedAt.IsZero() {
		e.EndedAt = time.Now()
	}
	if e.DurationSecs == 0 && !e.StartedAt.IsZero() {
		e.DurationSecs = e.EndedAt.Sub(e.StartedAt).Seconds()
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO discussion_history
			(room_id, user_id, partner_id, partner_name, topic, language, started_at, ended_at, duration_seconds)
		VALUES
			(:room_id, :user_id, :partner_id, :partner_name, :topic, :language, :started_at, :ended_at, :duration_seconds)`,
		e)
	if err != nil {
		return fmt.Errorf("history: insert entry: %w", err)
	}
	r.logger.Debug("recorded discussion",
		zap.String("user", e.UserID), zap.String("partner", e.PartnerID), zap.String("topic", e.Topic))
	return nil
}

// Recent returns the user's most recent discussions, newest first.
func (r *Recorder) Recent(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if r == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	var entries []Entry
	err := r.db.SelectContext(ctx, &entries, `
		SELECT id, room_id, user_id, partner_id, partner_name, topic, language,
		       started_at, ended_at, duration_seconds
		FROM discussion_history
		WHERE user_id = $1
		ORDER BY ended_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query recent: %w", err)
	}
	return entries, nil
}

func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	return r.db.Close()
}
