package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"

	"github.com/prontivus/prontivus/internal/platform/db"
)

// PGBlobStore keeps documents in the document_blob table. Writes made
// inside db.WithTx become visible only when that transaction commits.
type PGBlobStore struct {
	db db.Querier
}

func NewPGBlobStore(q db.Querier) *PGBlobStore {
	return &PGBlobStore{db: q}
}

func (s *PGBlobStore) JoinsTransaction() bool { return true }

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *PGBlobStore) Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	data, err := prepare("postgres", &meta, content)
	if err != nil {
		return nil, err
	}

	_, err = db.Conn(ctx, s.db).Exec(ctx, `
		INSERT INTO document_blob (id, clinic_id, file_name, content_type, size, sha256, content, uploaded_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		meta.ID, nullable(meta.ClinicID), meta.FileName, meta.ContentType, meta.Size, meta.Hash, data, meta.CreatedBy, meta.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert document_blob: %w", err)
	}
	return &meta, nil
}

const blobMetaColumns = `id::text, COALESCE(clinic_id::text, ''), file_name, content_type, size, sha256, uploaded_by, created_at`

func scanMeta(row pgx.Row, extra ...any) (*BlobMetadata, error) {
	var m BlobMetadata
	dest := append([]any{&m.ID, &m.ClinicID, &m.FileName, &m.ContentType, &m.Size, &m.Hash, &m.CreatedBy, &m.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBlobNotFound
		}
		return nil, err
	}
	m.URL = URL("postgres", m.ID)
	return &m, nil
}

func (s *PGBlobStore) Download(ctx context.Context, id string) (io.ReadCloser, *BlobMetadata, error) {
	var content []byte
	meta, err := scanMeta(db.Conn(ctx, s.db).QueryRow(ctx,
		`SELECT `+blobMetaColumns+`, content FROM document_blob WHERE id = $1`, id), &content)
	if err != nil {
		return nil, nil, err
	}
	return io.NopCloser(bytes.NewReader(content)), meta, nil
}

func (s *PGBlobStore) GetMetadata(ctx context.Context, id string) (*BlobMetadata, error) {
	return scanMeta(db.Conn(ctx, s.db).QueryRow(ctx,
		`SELECT `+blobMetaColumns+` FROM document_blob WHERE id = $1`, id))
}

func (s *PGBlobStore) Delete(ctx context.Context, id string) error {
	tag, err := db.Conn(ctx, s.db).Exec(ctx, `DELETE FROM document_blob WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete document_blob: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBlobNotFound
	}
	return nil
}
