package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

const createDocumentsTable = `
	CREATE TABLE IF NOT EXISTS chat_documents (
		path       TEXT        NOT NULL,
		id         TEXT        NOT NULL,
		data       JSONB       NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (path, id)
	);
	CREATE INDEX IF NOT EXISTS chat_documents_path_created_idx
		ON chat_documents (path, created_at, id);
`

// timeKey marks a JSON object that encodes a time.Time.
const timeKey = "$time"

// PostgresStore keeps documents as JSONB rows of a single table.
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
	log   zerolog.Logger
}

// NewPostgresStore opens and pings the database and creates the schema.
func NewPostgresStore(ctx context.Context, dsn string, log zerolog.Logger) (*PostgresStore, error) {
	connStr := dsn
	if !strings.Contains(dsn, "sslmode=") {
		if strings.Contains(dsn, "?") {
			connStr += "&sslmode=disable"
		} else if strings.Contains(dsn, "://") {
			connStr += "?sslmode=disable"
		} else {
			connStr += " sslmode=disable"
		}
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	if _, err := db.ExecContext(ctx, createDocumentsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create documents table: %w", describePQ(err))
	}

	return &PostgresStore{
		db:    db,
		clock: func() time.Time { return time.Now().UTC() },
		log:   log.With().Str("component", "postgres").Logger(),
	}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateDocument(ctx context.Context, path string, data map[string]any) (string, error) {
	if err := validatePath(path); err != nil {
		return "", err
	}
	id, err := newDocumentID()
	if err != nil {
		return "", err
	}
	now := s.clock()
	payload, err := encodeJSONFields(resolveFields(data, now))
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chat_documents (path, id, data, created_at) VALUES ($1, $2, $3, $4)`,
		path, id, payload, now)
	if err != nil {
		return "", fmt.Errorf("insert document %s/%s: %w", path, id, describePQ(err))
	}
	return id, nil
}

func (s *PostgresStore) GetSubcollectionDocuments(ctx context.Context, path string, limit int) ([]Document, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}

	query := `SELECT id, data FROM chat_documents WHERE path = $1 ORDER BY created_at, id`
	args := []any{path}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents %s: %w", path, describePQ(err))
	}
	defer rows.Close()

	docs := make([]Document, 0)
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("row scan failed: %w", err)
		}
		fields, err := decodeJSONFields(raw)
		if err != nil {
			s.log.Warn().Err(err).Str("path", path).Str("id", id).Msg("skipping undecodable document")
			continue
		}
		docs = append(docs, Document{ID: id, Fields: fields})
	}
	return docs, rows.Err()
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, path, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_documents WHERE path = $1 AND id = $2`, path, id)
	if err != nil {
		return fmt.Errorf("delete document %s/%s: %w", path, id, describePQ(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("document %s/%s not found", path, id)
	}
	return nil
}

func encodeJSONFields(fields map[string]any) ([]byte, error) {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case time.Time:
			out[k] = map[string]string{timeKey: val.UTC().Format(time.RFC3339Nano)}
		case string, bool, int, int64, float64:
			out[k] = val
		default:
			return nil, fmt.Errorf("field %q: unsupported value type %T", k, v)
		}
	}
	return json.Marshal(out)
}

func decodeJSONFields(raw []byte) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		obj, ok := v.(map[string]any)
		if !ok {
			continue
		}
		s, ok := obj[timeKey].(string)
		if !ok {
			return nil, fmt.Errorf("field %q: unsupported object value", k)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		fields[k] = t
	}
	return fields, nil
}

// describePQ adds the SQLSTATE code to driver errors.
func describePQ(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("%w (sqlstate %s)", err, pqErr.Code)
	}
	return err
}
