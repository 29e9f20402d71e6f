package db

import "github.com/jmoiron/sqlx"

// Pool splits the thread store's traffic into a write connection and a read
// connection.
//
// SQLite in WAL mode wants exactly one writer; the writer side is capped at
// a single connection so concurrent run updates queue instead of failing
// with SQLITE_BUSY, while transcript reads fan out over the reader side.
// With Postgres both sides are the same *sqlx.DB and pgx does the pooling.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from separate writer and reader connections.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the connection used for inserts, updates, and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection used for queries. Under SQLite these run
// against WAL snapshots, concurrent with the writer.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both sides, once each when they share a *sqlx.DB.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
