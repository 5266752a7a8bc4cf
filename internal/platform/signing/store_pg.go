package signing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/prontivus/prontivus/internal/platform/db"
)

// PGStore keeps credentials in the signing_credential table.
type PGStore struct {
	db db.Querier
}

// NewPGStore returns a PGStore over q.
func NewPGStore(q db.Querier) *PGStore {
	return &PGStore{db: q}
}

const credentialColumns = `id, clinic_id, user_id, kind, display_name, registration, certificate,
	not_before, not_after, key_material, key_ref, status, created_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	var kind string
	err := row.Scan(&r.ID, &r.ClinicID, &r.UserID, &kind, &r.DisplayName, &r.Registration, &r.Certificate,
		&r.NotBefore, &r.NotAfter, &r.KeyMaterial, &r.KeyRef, &r.Status, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Kind = Kind(kind)
	return &r, nil
}

func (s *PGStore) Create(ctx context.Context, r *Record) error {
	if !r.Kind.Valid() {
		return fmt.Errorf("invalid credential kind %q", r.Kind)
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	_, err := db.Conn(ctx, s.db).Exec(ctx, `
		INSERT INTO signing_credential (`+credentialColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.ID, r.ClinicID, r.UserID, string(r.Kind), r.DisplayName, r.Registration, r.Certificate,
		r.NotBefore, r.NotAfter, r.KeyMaterial, r.KeyRef, r.Status, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert signing_credential: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	r, err := scanRecord(db.Conn(ctx, s.db).QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM signing_credential WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get signing_credential %s: %w", id, err)
	}
	return r, nil
}

func (s *PGStore) ListByClinic(ctx context.Context, clinicID uuid.UUID) ([]*Record, error) {
	rows, err := db.Conn(ctx, s.db).Query(ctx,
		`SELECT `+credentialColumns+` FROM signing_credential WHERE clinic_id = $1 ORDER BY created_at`, clinicID)
	if err != nil {
		return nil, fmt.Errorf("list signing_credential: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGStore) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := db.Conn(ctx, s.db).Exec(ctx,
		`UPDATE signing_credential SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update signing_credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCredentialNotFound
	}
	return nil
}
