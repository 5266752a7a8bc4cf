package prescription

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prontivus/prontivus/internal/platform/blobstore"
	"github.com/prontivus/prontivus/internal/platform/signing"
	"github.com/prontivus/prontivus/internal/platform/verifycode"
)

// Reason explains why a verification did not succeed.
type Reason string

const (
	ReasonNotFound    Reason = "not_found"
	ReasonTampered    Reason = "tampered"
	ReasonRevoked     Reason = "revoked"
	ReasonExpired     Reason = "expired"
	ReasonUnavailable Reason = "unavailable"
)

// Result is the public answer for a verification request. It carries no
// patient data under any outcome.
type Result struct {
	Valid              bool         `json:"valid"`
	Reason             Reason       `json:"reason,omitempty"`
	PrescriptionID     string       `json:"prescription_id,omitempty"`
	Type               Type         `json:"type,omitempty"`
	DoctorName         string       `json:"doctor_display_name,omitempty"`
	DoctorRegistration string       `json:"doctor_registration,omitempty"`
	IssuedAt           *time.Time   `json:"issued_at,omitempty"`
	ExpiresAt          *time.Time   `json:"expires_at,omitempty"`
	RevokedAt          *time.Time   `json:"revoked_at,omitempty"`
	Medications        []Medication `json:"medications,omitempty"`
}

// Verifier answers public verification requests. It never returns an error:
// every failure is folded into Result.Reason.
type Verifier struct {
	repo    Repository
	blobs   blobstore.BlobStore
	logger  zerolog.Logger
	metrics Metrics
	now     func() time.Time
}

// NewVerifier returns a Verifier reading signatures from repo and signed
// documents from blobs.
func NewVerifier(repo Repository, blobs blobstore.BlobStore, logger zerolog.Logger) *Verifier {
	return &Verifier{
		repo:    repo,
		blobs:   blobs,
		logger:  logger.With().Str("component", "verifier").Logger(),
		metrics: nopMetrics{},
		now:     time.Now,
	}
}

// SetMetrics reports verification outcomes to m. A nil m disables reporting.
func (v *Verifier) SetMetrics(m Metrics) {
	if m == nil {
		m = nopMetrics{}
	}
	v.metrics = m
}

// SetClock replaces the clock used for expiry checks.
func (v *Verifier) SetClock(now func() time.Time) { v.now = now }

// Verify checks the prescription id and verification code pair and the
// integrity of the stored document. The outcome is logged and counted.
func (v *Verifier) Verify(ctx context.Context, prescriptionID, token string) Result {
	res, pid := v.verify(ctx, prescriptionID, token)
	reason := string(res.Reason)
	if res.Valid {
		reason = "valid"
	}
	v.metrics.VerifyResult(reason)
	v.logger.Info().
		Str("event", "prescription.verified").
		Str("prescription_id", pid).
		Str("outcome", reason).
		Msg("verification requested")
	return res
}

func (v *Verifier) verify(ctx context.Context, prescriptionID, token string) (Result, string) {
	notFound := Result{Reason: ReasonNotFound}

	id, err := uuid.Parse(prescriptionID)
	if err != nil {
		return notFound, ""
	}
	token, err = verifycode.Normalize(token)
	if err != nil {
		return notFound, id.String()
	}

	sig, err := v.repo.FindSignatureByToken(ctx, verifycode.TokenHash(token))
	if errors.Is(err, ErrNotFound) {
		return notFound, id.String()
	}
	if err != nil {
		v.logger.Error().Err(err).Msg("signature lookup failed")
		return Result{Reason: ReasonUnavailable}, id.String()
	}
	// The token alone selects the record; the id must agree with it.
	if !verifycode.Equal(sig.PrescriptionID.String(), id.String()) {
		return notFound, id.String()
	}

	p, err := v.repo.GetUnscoped(ctx, sig.PrescriptionID)
	if errors.Is(err, ErrNotFound) {
		return notFound, id.String()
	}
	if err != nil {
		v.logger.Error().Err(err).Msg("prescription lookup failed")
		return Result{Reason: ReasonUnavailable}, id.String()
	}

	if tampered, err := v.tampered(ctx, sig); err != nil {
		v.logger.Error().Err(err).Str("prescription_id", id.String()).Msg("document read failed")
		return Result{Reason: ReasonUnavailable}, id.String()
	} else if tampered {
		v.logger.Warn().Str("prescription_id", id.String()).Msg("stored document does not match its signature")
		return Result{Reason: ReasonTampered}, id.String()
	}

	issued := sig.SignedAt
	res := Result{
		Valid:              true,
		PrescriptionID:     p.ID.String(),
		Type:               p.Type,
		DoctorName:         sig.SignerName,
		DoctorRegistration: sig.SignerRegistration,
		IssuedAt:           &issued,
		ExpiresAt:          p.ExpiresAt,
		Medications:        append([]Medication(nil), p.Medications...),
	}
	switch {
	case p.Status == StatusRevoked:
		res.Valid = false
		res.Reason = ReasonRevoked
		res.Medications = nil
		if p.Revocation != nil {
			at := p.Revocation.RevokedAt
			res.RevokedAt = &at
		}
	case p.ExpiresAt != nil && !v.now().Before(*p.ExpiresAt):
		res.Valid = false
		res.Reason = ReasonExpired
		res.Medications = nil
	}
	return res, id.String()
}

// tampered recomputes the stored document's hash and re-checks the CMS
// envelope against the recorded content digest.
func (v *Verifier) tampered(ctx context.Context, sig *SignatureRecord) (bool, error) {
	content, _, err := blobstore.ReadAll(ctx, v.blobs, sig.DocumentID)
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	sum := sha256.Sum256(content)
	if !verifycode.Equal(hex.EncodeToString(sum[:]), sig.DocumentHash) {
		return true, nil
	}

	signed, err := signing.VerifyEnvelope(sig.Envelope)
	if err != nil {
		return true, nil
	}
	digest := sha256.Sum256(signed)
	return !verifycode.Equal(hex.EncodeToString(digest[:]), sig.ContentDigest), nil
}
