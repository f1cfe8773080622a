package kv

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	apperrors "github.com/Adithya-Monish-Kumar-K/plistore/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/plistore/pkg/postgres"
)

var unsafeIdent = regexp.MustCompile(`[^a-z0-9_]`)

// Postgres is a collection stored in its own table of a shared PostgreSQL
// database. Closing the collection leaves the shared connection pool open.
type Postgres struct {
	guard
	client *postgres.Client
	table  string
}

// NewPostgres creates a closed collection backed by table plist_<name>.
func NewPostgres(client *postgres.Client, name string) *Postgres {
	ident := unsafeIdent.ReplaceAllString(strings.ToLower(name), "_")
	return &Postgres{
		guard:  guard{name: name},
		client: client,
		table:  "plist_" + ident,
	}
}

func (p *Postgres) Open(ctx context.Context, mode Mode) error {
	if err := p.client.EnsureKVTable(ctx, p.table); err != nil {
		return apperrors.IOFailure("opening "+p.name, err)
	}
	p.open = true
	p.mode = mode
	return nil
}

func (p *Postgres) Close() error {
	p.open = false
	return nil
}

func (p *Postgres) Drop(ctx context.Context) error {
	if err := p.writable(); err != nil {
		return err
	}
	if err := p.client.Truncate(ctx, p.table); err != nil {
		return apperrors.IOFailure("dropping "+p.table, err)
	}
	return nil
}

func (p *Postgres) Count(ctx context.Context) (uint64, error) {
	if err := p.readable(); err != nil {
		return 0, err
	}
	var n int64
	if err := p.client.DB.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, p.table)).Scan(&n); err != nil {
		return 0, apperrors.IOFailure("counting "+p.table, err)
	}
	return uint64(n), nil
}

func (p *Postgres) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := p.readable(); err != nil {
		return nil, err
	}
	var value []byte
	err := p.client.DB.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, p.table), key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, notFound(p.name, key)
	}
	if err != nil {
		return nil, apperrors.IOFailure(fmt.Sprintf("reading %s key %x", p.table, key), err)
	}
	return value, nil
}

func (p *Postgres) Put(ctx context.Context, key, value []byte) error {
	if err := p.writable(); err != nil {
		return err
	}
	_, err := p.client.DB.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, p.table),
		key, value,
	)
	if err != nil {
		return apperrors.IOFailure(fmt.Sprintf("writing %s key %x", p.table, key), err)
	}
	return nil
}

func (p *Postgres) Remove(ctx context.Context, key []byte) error {
	if err := p.writable(); err != nil {
		return err
	}
	if _, err := p.client.DB.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, p.table), key); err != nil {
		return apperrors.IOFailure(fmt.Sprintf("removing %s key %x", p.table, key), err)
	}
	return nil
}

func (p *Postgres) Keys(ctx context.Context, fn func(key []byte) error) error {
	if err := p.readable(); err != nil {
		return err
	}
	rows, err := p.client.DB.QueryContext(ctx, fmt.Sprintf(`SELECT key FROM %s ORDER BY key`, p.table))
	if err != nil {
		return apperrors.IOFailure("listing keys of "+p.table, err)
	}
	var keys [][]byte
	for rows.Next() {
		var k []byte
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return apperrors.IOFailure("listing keys of "+p.table, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return apperrors.IOFailure("listing keys of "+p.table, err)
	}
	rows.Close()

	for _, k := range keys {
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}
