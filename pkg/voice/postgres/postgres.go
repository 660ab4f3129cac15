// Package postgres reads voice profiles from a PostgreSQL table whose
// conditioning vectors are stored in a pgvector column. It is an optional
// second profile source next to the on-disk directory.
//
// Expected schema (created by [Migrate]):
//
//	CREATE TABLE voice_profiles (
//	    name         TEXT PRIMARY KEY,
//	    conditioning vector NOT NULL,
//	    metadata     JSONB NOT NULL DEFAULT '{}'
//	);
package postgres

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/voxclone/pkg/voice"
)

// DefaultTable is the table read when none is configured.
const DefaultTable = "voice_profiles"

// validTable restricts table names to plain identifiers, optionally
// schema-qualified, since they are interpolated into SQL.
var validTable = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Connect opens a pool to dsn with pgvector types registered on every
// connection and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("voice postgres: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("voice postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("voice postgres: ping: %w", err)
	}
	return pool, nil
}

// Migrate creates the pgvector extension and the profile table if missing.
func Migrate(ctx context.Context, pool *pgxpool.Pool, table string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			name         TEXT PRIMARY KEY,
			conditioning vector NOT NULL,
			metadata     JSONB NOT NULL DEFAULT '{}'
		)`, table),
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("voice postgres: migrate: %w", err)
		}
	}
	return nil
}

// Fetch reads every row of table and returns one profile per row. A row that
// cannot be decoded or that carries an empty vector is reported as a
// [*voice.LoadError] in the second return value and skipped, mirroring the
// directory loader.
func Fetch(ctx context.Context, pool *pgxpool.Pool, table string) ([]*voice.Profile, []*voice.LoadError, error) {
	if err := checkTable(table); err != nil {
		return nil, nil, err
	}
	rows, err := pool.Query(ctx, fmt.Sprintf(`SELECT name, conditioning, metadata FROM %s ORDER BY name`, table))
	if err != nil {
		return nil, nil, fmt.Errorf("voice postgres: query %s: %w", table, err)
	}
	defer rows.Close()

	var (
		profiles []*voice.Profile
		skipped  []*voice.LoadError
	)
	for rows.Next() {
		var (
			name string
			vec  pgvector.Vector
			meta map[string]string
		)
		source := fmt.Sprintf("postgres:%s", table)
		if err := rows.Scan(&name, &vec, &meta); err != nil {
			skipped = append(skipped, &voice.LoadError{Path: source, Err: err})
			continue
		}
		source = fmt.Sprintf("postgres:%s/%s", table, name)
		if len(vec.Slice()) == 0 {
			skipped = append(skipped, &voice.LoadError{Path: source, Err: fmt.Errorf("empty conditioning vector")})
			continue
		}
		profiles = append(profiles, voice.NewProfile(name, source, vec.Slice(), meta))
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("voice postgres: read %s: %w", table, err)
	}
	return profiles, skipped, nil
}

// Upsert stores p's conditioning vector under its name.
func Upsert(ctx context.Context, pool *pgxpool.Pool, table string, p *voice.Profile) error {
	if err := checkTable(table); err != nil {
		return err
	}
	meta := make(map[string]string)
	for _, k := range p.MetaKeys() {
		meta[k], _ = p.Meta(k)
	}
	_, err := pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (name, conditioning, metadata) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET conditioning = EXCLUDED.conditioning, metadata = EXCLUDED.metadata`, table),
		p.Name(), pgvector.NewVector(p.Conditioning()), meta)
	if err != nil {
		return fmt.Errorf("voice postgres: upsert %q: %w", p.Name(), err)
	}
	return nil
}

func checkTable(table string) error {
	if !validTable.MatchString(table) {
		return fmt.Errorf("voice postgres: invalid table name %q", table)
	}
	return nil
}
