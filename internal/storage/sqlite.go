package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"digestbot/internal/digest"
	"digestbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (creating if missing) the SQLite database and applies the
// embedded schema.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) UpsertSubscriber(ctx context.Context, chatID int64, username string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(chat_id, username, created_at, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET username=excluded.username, updated_at=excluded.updated_at`,
		chatID, nullStr(username), now, now,
	)
	return err
}

func (s *sqliteStore) Subscriber(ctx context.Context, chatID int64) (digest.Subscriber, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT chat_id, username, channel, schedule_time, active, created_at, updated_at
		 FROM subscribers WHERE chat_id = ?`, chatID)
	sub, err := scanSubscriber(row)
	if errors.Is(err, sql.ErrNoRows) {
		return digest.Subscriber{}, false, nil
	}
	if err != nil {
		return digest.Subscriber{}, false, err
	}
	return sub, true, nil
}

func (s *sqliteStore) SetChannel(ctx context.Context, chatID int64, channel string) error {
	return s.updateSubscriber(ctx, chatID, "channel", nullStr(channel))
}

func (s *sqliteStore) SetSchedule(ctx context.Context, chatID int64, hhmm string) error {
	return s.updateSubscriber(ctx, chatID, "schedule_time", hhmm)
}

func (s *sqliteStore) SetActive(ctx context.Context, chatID int64, active bool) error {
	return s.updateSubscriber(ctx, chatID, "active", active)
}

func (s *sqliteStore) updateSubscriber(ctx context.Context, chatID int64, column string, val any) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET `+column+` = ?, updated_at = ? WHERE chat_id = ?`,
		val, now, chatID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("subscriber %d not found", chatID)
	}
	return nil
}

func (s *sqliteStore) ActiveSubscribers(ctx context.Context) ([]digest.Subscriber, error) {
	return s.querySubscribers(ctx,
		`SELECT chat_id, username, channel, schedule_time, active, created_at, updated_at
		 FROM subscribers WHERE active = 1 AND channel IS NOT NULL AND channel != ''
		 ORDER BY chat_id`)
}

func (s *sqliteStore) SubscribersDueAt(ctx context.Context, hhmm string) ([]digest.Subscriber, error) {
	return s.querySubscribers(ctx,
		`SELECT chat_id, username, channel, schedule_time, active, created_at, updated_at
		 FROM subscribers WHERE active = 1 AND channel IS NOT NULL AND channel != '' AND schedule_time = ?
		 ORDER BY chat_id`, hhmm)
}

func (s *sqliteStore) querySubscribers(ctx context.Context, q string, args ...any) ([]digest.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []digest.Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendLog(ctx context.Context, e digest.LogEntry) error {
	at := e.CreatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO digest_log(chat_id, channel, items_count, tokens_used, status, error, created_at)
		 VALUES(?,?,?,?,?,?,?)`,
		e.ChatID, e.Channel, e.ItemsCount, e.TokensUsed, string(e.Status),
		nullStr(e.ErrorMessage), at.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) RecentLogs(ctx context.Context, chatID int64, limit int) ([]digest.LogEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, channel, items_count, tokens_used, status, error, created_at
		 FROM digest_log WHERE chat_id = ? ORDER BY id DESC LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []digest.LogEntry
	for rows.Next() {
		var (
			e       digest.LogEntry
			status  string
			errMsg  sql.NullString
			created string
		)
		if err := rows.Scan(&e.ChatID, &e.Channel, &e.ItemsCount, &e.TokensUsed, &status, &errMsg, &created); err != nil {
			return nil, err
		}
		e.Status = digest.Status(status)
		e.ErrorMessage = errMsg.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscriber(row rowScanner) (digest.Subscriber, error) {
	var (
		sub      digest.Subscriber
		username sql.NullString
		channel  sql.NullString
		created  string
		updated  string
	)
	if err := row.Scan(&sub.ChatID, &username, &channel, &sub.ScheduleTime, &sub.Active, &created, &updated); err != nil {
		return digest.Subscriber{}, err
	}
	sub.Username = username.String
	sub.Channel = channel.String
	sub.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	sub.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return sub, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
