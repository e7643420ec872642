package store

import "context"

type settingsStore struct {
	pool *pool
}

func (s settingsStore) Get(ctx context.Context, key string) (string, bool, error) {
	var row Setting
	err := s.pool.Reader().GetContext(ctx, &row, s.pool.Reader().Rebind(`SELECT * FROM settings WHERE key=?`), key)
	if err != nil {
		if isNoRows(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return row.Value, true, nil
}

func (s settingsStore) Set(ctx context.Context, key, value string) error {
	query := `INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`
	_, err := s.pool.Writer().ExecContext(ctx, s.pool.Writer().Rebind(query), key, value)
	return err
}

func (s settingsStore) All(ctx context.Context) (map[string]string, error) {
	var rows []Setting
	if err := s.pool.Reader().SelectContext(ctx, &rows, `SELECT * FROM settings`); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}
