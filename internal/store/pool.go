package store

import "github.com/jmoiron/sqlx"

// pool splits a Store backend's connections into a writer and a reader
// side: a single writer connection for SQLite, full pooling for
// Postgres. SQLite's single-writer constraint means every agentStore
// UPDATE/INSERT must go through the same *sqlx.DB while List/Get can
// fan out across several read-only connections backed by WAL; Postgres
// has no such split and both accessors return the same handle.
type pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

func newPool(writer, reader *sqlx.DB) *pool {
	return &pool{writer: writer, reader: reader}
}

// Writer returns the connection used for INSERT/UPDATE/DELETE.
func (p *pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection used for SELECT.
func (p *pool) Reader() *sqlx.DB { return p.reader }

func (p *pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
