// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package persona

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// SQLITE STORE
// =============================================================================

// Schema creates the persona table.
const Schema = `
CREATE TABLE IF NOT EXISTS personas (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	traits         TEXT,
	temperature    REAL,
	top_p          REAL,
	repeat_penalty REAL,
	owner_id       TEXT,
	created_at     TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	updated_at     TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// SQLiteStore reads persona records from a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the persona database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open persona database: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize persona schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Get implements Loader. Missing personas return (nil, nil).
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Persona, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, traits, temperature, top_p, repeat_penalty, owner_id
		FROM personas WHERE id = ?`, id)

	var (
		p       Persona
		traits  sql.NullString
		temp    sql.NullFloat64
		topP    sql.NullFloat64
		repeat  sql.NullFloat64
		ownerID sql.NullString
	)
	err := row.Scan(&p.ID, &p.Name, &traits, &temp, &topP, &repeat, &ownerID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load persona %s: %w", id, err)
	}

	if traits.Valid && traits.String != "" {
		if err := json.Unmarshal([]byte(traits.String), &p.Traits); err != nil {
			return nil, fmt.Errorf("persona %s has malformed traits: %w", id, err)
		}
	}
	if temp.Valid {
		p.Temperature = &temp.Float64
	}
	if topP.Valid {
		p.TopP = &topP.Float64
	}
	if repeat.Valid {
		p.RepeatPenalty = &repeat.Float64
	}
	if ownerID.Valid {
		p.OwnerID = ownerID.String
	}

	return &p, nil
}

// Put inserts or replaces a persona record. Used by seeding tools and tests;
// the request path never writes.
func (s *SQLiteStore) Put(ctx context.Context, p *Persona) error {
	var traits any
	if len(p.Traits) > 0 {
		data, err := json.Marshal(p.Traits)
		if err != nil {
			return fmt.Errorf("failed to encode traits: %w", err)
		}
		traits = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO personas (id, name, traits, temperature, top_p, repeat_penalty, owner_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			traits = excluded.traits,
			temperature = excluded.temperature,
			top_p = excluded.top_p,
			repeat_penalty = excluded.repeat_penalty,
			owner_id = excluded.owner_id,
			updated_at = CURRENT_TIMESTAMP`,
		p.ID, p.Name, traits, nullable(p.Temperature), nullable(p.TopP),
		nullable(p.RepeatPenalty), nullString(p.OwnerID))
	if err != nil {
		return fmt.Errorf("failed to save persona %s: %w", p.ID, err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullable(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
