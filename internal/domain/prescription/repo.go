package prescription

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists prescriptions and their signature records. Every
// clinic-scoped read filters by clinic id.
type Repository interface {
	Create(ctx context.Context, p *Prescription) error
	Get(ctx context.Context, clinicID, id uuid.UUID) (*Prescription, error)
	List(ctx context.Context, clinicID uuid.UUID, f ListFilter, limit, offset int) ([]*Prescription, int, error)

	// Lock takes the row lock that serializes sign and revoke. It must run
	// inside a transaction and fails with ErrConflict when another
	// transaction holds the lock.
	Lock(ctx context.Context, clinicID, id uuid.UUID) (*Prescription, error)
	MarkSigned(ctx context.Context, p *Prescription) error
	InsertSignature(ctx context.Context, rec *SignatureRecord) error
	GetSignature(ctx context.Context, clinicID, prescriptionID uuid.UUID) (*SignatureRecord, error)
	MarkRevoked(ctx context.Context, rev *Revocation) error

	// Unscoped lookups for the public verifier, which has no clinic context.
	FindSignatureByToken(ctx context.Context, tokenHash string) (*SignatureRecord, error)
	GetUnscoped(ctx context.Context, id uuid.UUID) (*Prescription, error)
}
