package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/stocklot/upl-registry/internal/apperr"
	"github.com/stocklot/upl-registry/internal/model"
)

// SQLiteStore implements Store on a single SQLite file. Documents are
// stored as JSON text keyed by (collection, id).
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and runs migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS upls (
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			doc        TEXT NOT NULL,
			PRIMARY KEY (collection, id)
		);
	`)
	return err
}

func (s *SQLiteStore) LoadAll(ctx context.Context, col Collection) ([]*model.Upl, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM upls WHERE collection = ?`, string(col))
	if err != nil {
		return nil, apperr.Internal("loading collection", err)
	}
	defer rows.Close()

	var upls []*model.Upl
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, apperr.Internal("scanning document", err)
		}
		var u model.Upl
		if err := json.Unmarshal([]byte(doc), &u); err != nil {
			return nil, apperr.Internal("decoding document", err)
		}
		upls = append(upls, &u)
	}
	return upls, rows.Err()
}

func (s *SQLiteStore) Insert(ctx context.Context, col Collection, upl *model.Upl) error {
	doc, err := json.Marshal(upl)
	if err != nil {
		return apperr.Internal("encoding document", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO upls (collection, id, doc) VALUES (?, ?, ?)`,
		string(col), upl.ID, string(doc))
	if err != nil {
		return apperr.Internal("inserting document", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.AlreadyExists("UPL %s already stored in %s", upl.ID, col)
	}
	return nil
}

func (s *SQLiteStore) FindByID(ctx context.Context, col Collection, id string) (*model.Upl, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM upls WHERE collection = ? AND id = ?`,
		string(col), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("UPL %s not stored in %s", id, col)
	}
	if err != nil {
		return nil, apperr.Internal("reading document", err)
	}
	var u model.Upl
	if err := json.Unmarshal([]byte(doc), &u); err != nil {
		return nil, apperr.Internal("decoding document", err)
	}
	return &u, nil
}

func (s *SQLiteStore) Update(ctx context.Context, col Collection, upl *model.Upl) error {
	doc, err := json.Marshal(upl)
	if err != nil {
		return apperr.Internal("encoding document", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO upls (collection, id, doc) VALUES (?, ?, ?)
		 ON CONFLICT (collection, id) DO UPDATE SET doc = excluded.doc`,
		string(col), upl.ID, string(doc))
	if err != nil {
		return apperr.Internal("updating document", err)
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, col Collection, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM upls WHERE collection = ? AND id = ?`,
		string(col), id); err != nil {
		return apperr.Internal("removing document", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
