// Package store persists section snapshots and their revision history in sqlite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/sectionsync/pkg/ot"
	"github.com/astromechza/sectionsync/pkg/relay"
)

type Section struct {
	DocumentID string
	SectionID  string
	Revision   int
	Content    string
}

type Store struct {
	database *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &Store{database: db}, nil
}

func (s *Store) Close() error {
	return s.database.Close()
}

func (s *Store) Init(ctx context.Context) error {
	if _, err := s.database.ExecContext(
		ctx, `CREATE TABLE IF NOT EXISTS sections (
		document_id text not null,
		section_id text not null,
		revision integer not null,
		content text not null,
		primary key (document_id, section_id)
		)`,
	); err != nil {
		return fmt.Errorf("failed to create sections: %w", err)
	}
	if _, err := s.database.ExecContext(
		ctx, `CREATE TABLE IF NOT EXISTS revisions (
		document_id text not null,
		section_id text not null,
		revision integer not null,
		author integer not null,
		operation text not null,
		primary key (document_id, section_id, revision)
		)`,
	); err != nil {
		return fmt.Errorf("failed to create revisions: %w", err)
	}
	slog.Info("Ensured tables exist")
	return nil
}

// SaveSection upserts a snapshot and reports whether anything changed.
func (s *Store) SaveSection(ctx context.Context, sec Section) (bool, error) {
	res, err := s.database.ExecContext(
		ctx, `INSERT INTO sections (document_id, section_id, revision, content) VALUES (?, ?, ?, ?)
		ON CONFLICT (document_id, section_id) DO UPDATE SET revision = excluded.revision, content = excluded.content
		WHERE sections.revision != excluded.revision OR sections.content != excluded.content`,
		sec.DocumentID, sec.SectionID, sec.Revision, sec.Content,
	)
	if err != nil {
		return false, fmt.Errorf("failed to save section %s/%s: %w", sec.DocumentID, sec.SectionID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AppendRevision records an applied operation. Recording the same revision twice is a no-op.
func (s *Store) AppendRevision(ctx context.Context, documentID, sectionID string, rev relay.Revision) error {
	raw, err := json.Marshal(rev.Operation)
	if err != nil {
		return fmt.Errorf("failed to encode revision %d: %w", rev.Number, err)
	}
	if _, err := s.database.ExecContext(
		ctx, `INSERT OR IGNORE INTO revisions (document_id, section_id, revision, author, operation) VALUES (?, ?, ?, ?, ?)`,
		documentID, sectionID, rev.Number, rev.Author, string(raw),
	); err != nil {
		return fmt.Errorf("failed to append revision %d of %s/%s: %w", rev.Number, documentID, sectionID, err)
	}
	return nil
}

func (s *Store) LoadSections(ctx context.Context) ([]Section, error) {
	res, err := s.database.QueryContext(ctx, `SELECT document_id, section_id, revision, content FROM sections ORDER BY document_id, section_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer func(res *sql.Rows) {
		if err := res.Close(); err != nil {
			slog.Error("failed to close", "err", err)
		}
	}(res)
	out := make([]Section, 0)
	for res.Next() {
		var sec Section
		if err := res.Scan(&sec.DocumentID, &sec.SectionID, &sec.Revision, &sec.Content); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		out = append(out, sec)
	}
	return out, res.Err()
}

// History returns the recorded revisions of a section, oldest first.
func (s *Store) History(ctx context.Context, documentID, sectionID string) ([]relay.Revision, error) {
	res, err := s.database.QueryContext(
		ctx, `SELECT revision, author, operation FROM revisions WHERE document_id = ? AND section_id = ? ORDER BY revision`,
		documentID, sectionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer func(res *sql.Rows) {
		if err := res.Close(); err != nil {
			slog.Error("failed to close", "err", err)
		}
	}(res)
	out := make([]relay.Revision, 0)
	for res.Next() {
		var rev relay.Revision
		var raw string
		if err := res.Scan(&rev.Number, &rev.Author, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		op := new(ot.Operation)
		if err := json.Unmarshal([]byte(raw), op); err != nil {
			return nil, fmt.Errorf("failed to decode revision %d: %w", rev.Number, err)
		}
		rev.Operation = op
		out = append(out, rev)
	}
	return out, res.Err()
}
