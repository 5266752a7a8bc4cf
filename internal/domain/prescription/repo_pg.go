package prescription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/prontivus/prontivus/internal/platform/db"
)

type repoPG struct {
	db db.Querier
}

// NewRepoPG returns a Repository over q. Writes join the transaction carried
// by ctx when there is one.
func NewRepoPG(q db.Querier) Repository {
	return &repoPG{db: q}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.db)
}

const rxCols = `p.id, p.clinic_id, p.patient_id, p.doctor_id, p.medical_record_id, p.rx_type, p.status,
	p.medications, p.notes, p.signed_at, p.signature_hash, p.document_url, p.expires_at, p.created_by,
	p.created_at, p.updated_at, r.reason, r.revoked_by, r.revoked_at`

const rxFrom = `prescription p LEFT JOIN prescription_revocation r ON r.prescription_id = p.id`

func scanPrescription(row pgx.Row) (*Prescription, error) {
	var (
		p         Prescription
		rxType    string
		status    string
		meds      []byte
		reason    *string
		revokedBy *uuid.UUID
		revokedAt *time.Time
	)
	err := row.Scan(&p.ID, &p.ClinicID, &p.PatientID, &p.DoctorID, &p.MedicalRecordID, &rxType, &status,
		&meds, &p.Notes, &p.SignedAt, &p.SignatureHash, &p.DocumentURL, &p.ExpiresAt, &p.CreatedBy,
		&p.CreatedAt, &p.UpdatedAt, &reason, &revokedBy, &revokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Type = Type(rxType)
	p.Status = Status(status)
	if err := json.Unmarshal(meds, &p.Medications); err != nil {
		return nil, fmt.Errorf("decode medications of %s: %w", p.ID, err)
	}
	if reason != nil && revokedBy != nil && revokedAt != nil {
		p.Revocation = &Revocation{
			PrescriptionID: p.ID,
			ClinicID:       p.ClinicID,
			Reason:         *reason,
			RevokedBy:      *revokedBy,
			RevokedAt:      *revokedAt,
		}
	}
	return &p, nil
}

func (r *repoPG) Create(ctx context.Context, p *Prescription) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	meds, err := json.Marshal(p.Medications)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO prescription (id, clinic_id, patient_id, doctor_id, medical_record_id, rx_type, status,
			medications, notes, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, p.ClinicID, p.PatientID, p.DoctorID, p.MedicalRecordID, string(p.Type), string(p.Status),
		meds, p.Notes, p.CreatedBy, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert prescription: %w", err)
	}
	return nil
}

func (r *repoPG) Get(ctx context.Context, clinicID, id uuid.UUID) (*Prescription, error) {
	return scanPrescription(r.conn(ctx).QueryRow(ctx,
		`SELECT `+rxCols+` FROM `+rxFrom+` WHERE p.clinic_id = $1 AND p.id = $2`, clinicID, id))
}

func (r *repoPG) GetUnscoped(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return scanPrescription(r.conn(ctx).QueryRow(ctx,
		`SELECT `+rxCols+` FROM `+rxFrom+` WHERE p.id = $1`, id))
}

func (r *repoPG) List(ctx context.Context, clinicID uuid.UUID, f ListFilter, limit, offset int) ([]*Prescription, int, error) {
	q := db.NewListQuery(rxFrom, rxCols).Eq("p.clinic_id", clinicID)
	if f.PatientID != nil {
		q.Eq("p.patient_id", *f.PatientID)
	}
	if f.DoctorID != nil {
		q.Eq("p.doctor_id", *f.DoctorID)
	}
	if f.Status != "" {
		q.Eq("p.status", string(f.Status))
	}
	if f.Type != "" {
		q.Eq("p.rx_type", string(f.Type))
	}
	q.OrderBy("p.created_at DESC, p.id")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, q.CountSQL(), q.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count prescriptions: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, q.DataSQL(), q.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list prescriptions: %w", err)
	}
	defer rows.Close()

	var items []*Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

func (r *repoPG) Lock(ctx context.Context, clinicID, id uuid.UUID) (*Prescription, error) {
	if db.TxFromContext(ctx) == nil {
		return nil, errors.New("prescription lock requires a transaction")
	}
	p, err := scanPrescription(r.conn(ctx).QueryRow(ctx,
		`SELECT `+rxCols+` FROM `+rxFrom+` WHERE p.clinic_id = $1 AND p.id = $2 FOR UPDATE OF p NOWAIT`, clinicID, id))
	if db.IsCode(err, db.CodeLockNotAvailable) {
		return nil, ErrConflict
	}
	return p, err
}

func (r *repoPG) MarkSigned(ctx context.Context, p *Prescription) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE prescription
		SET status = 'signed', signed_at = $3, signature_hash = $4, document_url = $5, expires_at = $6,
			updated_at = $7
		WHERE clinic_id = $1 AND id = $2 AND status = 'draft'`,
		p.ClinicID, p.ID, p.SignedAt, p.SignatureHash, p.DocumentURL, p.ExpiresAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("mark prescription signed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

const sigCols = `id, prescription_id, clinic_id, credential_id, signer_user_id, signer_name, signer_registration,
	certificate_serial, certificate_subject, certificate_issuer, signature_algorithm, hash_algorithm,
	content_digest, document_hash, document_id, envelope, token_hash, signed_at`

func scanSignature(row pgx.Row) (*SignatureRecord, error) {
	var s SignatureRecord
	err := row.Scan(&s.ID, &s.PrescriptionID, &s.ClinicID, &s.CredentialID, &s.SignerUserID, &s.SignerName,
		&s.SignerRegistration, &s.CertificateSerial, &s.CertificateSubject, &s.CertificateIssuer,
		&s.SignatureAlgorithm, &s.HashAlgorithm, &s.ContentDigest, &s.DocumentHash, &s.DocumentID,
		&s.Envelope, &s.TokenHash, &s.SignedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *repoPG) InsertSignature(ctx context.Context, s *SignatureRecord) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `INSERT INTO signature_record (`+sigCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		s.ID, s.PrescriptionID, s.ClinicID, s.CredentialID, s.SignerUserID, s.SignerName,
		s.SignerRegistration, s.CertificateSerial, s.CertificateSubject, s.CertificateIssuer,
		s.SignatureAlgorithm, s.HashAlgorithm, s.ContentDigest, s.DocumentHash, s.DocumentID,
		s.Envelope, s.TokenHash, s.SignedAt)
	if db.IsCode(err, db.CodeUniqueViolation) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert signature_record: %w", err)
	}
	return nil
}

func (r *repoPG) GetSignature(ctx context.Context, clinicID, prescriptionID uuid.UUID) (*SignatureRecord, error) {
	return scanSignature(r.conn(ctx).QueryRow(ctx,
		`SELECT `+sigCols+` FROM signature_record WHERE clinic_id = $1 AND prescription_id = $2`, clinicID, prescriptionID))
}

func (r *repoPG) FindSignatureByToken(ctx context.Context, tokenHash string) (*SignatureRecord, error) {
	return scanSignature(r.conn(ctx).QueryRow(ctx,
		`SELECT `+sigCols+` FROM signature_record WHERE token_hash = $1`, tokenHash))
}

func (r *repoPG) MarkRevoked(ctx context.Context, rev *Revocation) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO prescription_revocation (prescription_id, clinic_id, reason, revoked_by, revoked_at)
		VALUES ($1, $2, $3, $4, $5)`,
		rev.PrescriptionID, rev.ClinicID, rev.Reason, rev.RevokedBy, rev.RevokedAt)
	if db.IsCode(err, db.CodeUniqueViolation) {
		return ErrInvalidState
	}
	if err != nil {
		return fmt.Errorf("insert prescription_revocation: %w", err)
	}

	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE prescription SET status = 'revoked', updated_at = $3
		WHERE clinic_id = $1 AND id = $2 AND status = 'signed'`,
		rev.ClinicID, rev.PrescriptionID, rev.RevokedAt)
	if err != nil {
		return fmt.Errorf("mark prescription revoked: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}
