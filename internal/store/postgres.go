package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stocklot/upl-registry/internal/apperr"
	"github.com/stocklot/upl-registry/internal/model"
)

// PostgresStore implements Store on PostgreSQL. Documents are stored as
// JSONB keyed by (collection, id).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates the schema if needed and returns the store.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS upls (
			collection TEXT  NOT NULL,
			id         TEXT  NOT NULL,
			doc        JSONB NOT NULL,
			PRIMARY KEY (collection, id)
		)`)
	if err != nil {
		return nil, fmt.Errorf("create upls table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) LoadAll(ctx context.Context, col Collection) ([]*model.Upl, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM upls WHERE collection = $1`, string(col))
	if err != nil {
		return nil, apperr.Internal("loading collection", err)
	}
	defer rows.Close()

	var upls []*model.Upl
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, apperr.Internal("scanning document", err)
		}
		var u model.Upl
		if err := json.Unmarshal(doc, &u); err != nil {
			return nil, apperr.Internal("decoding document", err)
		}
		upls = append(upls, &u)
	}
	return upls, rows.Err()
}

func (s *PostgresStore) Insert(ctx context.Context, col Collection, upl *model.Upl) error {
	doc, err := json.Marshal(upl)
	if err != nil {
		return apperr.Internal("encoding document", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO upls (collection, id, doc) VALUES ($1, $2, $3)`,
		string(col), upl.ID, doc)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return apperr.AlreadyExists("UPL %s already stored in %s", upl.ID, col)
		}
		return apperr.Internal("inserting document", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, col Collection, id string) (*model.Upl, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM upls WHERE collection = $1 AND id = $2`,
		string(col), id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("UPL %s not stored in %s", id, col)
	}
	if err != nil {
		return nil, apperr.Internal("reading document", err)
	}
	var u model.Upl
	if err := json.Unmarshal(doc, &u); err != nil {
		return nil, apperr.Internal("decoding document", err)
	}
	return &u, nil
}

func (s *PostgresStore) Update(ctx context.Context, col Collection, upl *model.Upl) error {
	doc, err := json.Marshal(upl)
	if err != nil {
		return apperr.Internal("encoding document", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO upls (collection, id, doc) VALUES ($1, $2, $3)
		 ON CONFLICT (collection, id) DO UPDATE SET doc = EXCLUDED.doc`,
		string(col), upl.ID, doc)
	if err != nil {
		return apperr.Internal("updating document", err)
	}
	return nil
}

func (s *PostgresStore) Remove(ctx context.Context, col Collection, id string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM upls WHERE collection = $1 AND id = $2`,
		string(col), id); err != nil {
		return apperr.Internal("removing document", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
