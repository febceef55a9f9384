package store

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"
)

type SettingKV struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

func (s *Store) ListSettings(ctx context.Context) ([]SettingKV, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, updated_at FROM settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SettingKV
	for rows.Next() {
		var kv SettingKV
		var updated int64
		if err := rows.Scan(&kv.Key, &kv.Value, &updated); err != nil {
			return nil, err
		}
		kv.UpdatedAt = time.Unix(updated, 0)
		out = append(out, kv)
	}
	return out, rows.Err()
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO settings(key, value, updated_at)
VALUES(?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
  value=excluded.value,
  updated_at=excluded.updated_at
`, key, value, nowUnix())
	return err
}

// JanitorSettings are the admin-configurable knobs for the spool
// janitor's retention sweep (internal/spool.Janitor).
type JanitorSettings struct {
	RetentionHours int
	IntervalHours  int
}

func (s *Store) JanitorSettings(ctx context.Context) (JanitorSettings, error) {
	settings, err := s.ListSettings(ctx)
	if err != nil {
		return JanitorSettings{}, err
	}
	m := map[string]string{}
	for _, kv := range settings {
		m[kv.Key] = kv.Value
	}
	return JanitorSettings{
		RetentionHours: parseIntDefault(m["janitor_retention_hours"], 0),
		IntervalHours:  parseIntDefault(m["janitor_interval_hours"], 1),
	}, nil
}

func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key=?`, key)
	return err
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, rows.Err()
}

func (s *Store) MustSetting(ctx context.Context, key string) (string, error) {
	val, ok, err := s.Setting(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errors.New("missing setting: " + key)
	}
	return val, nil
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
