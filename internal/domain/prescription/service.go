package prescription

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prontivus/prontivus/internal/platform/audit"
	"github.com/prontivus/prontivus/internal/platform/blobstore"
	"github.com/prontivus/prontivus/internal/platform/db"
	"github.com/prontivus/prontivus/internal/platform/notification"
	"github.com/prontivus/prontivus/internal/platform/rxpdf"
	"github.com/prontivus/prontivus/internal/platform/signing"
	"github.com/prontivus/prontivus/internal/platform/verifycode"
)

// Transactor runs fn in one database transaction carried by ctx.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Unlocker opens a doctor's signing credential with their PIN. The returned
// credential must be released after use.
type Unlocker interface {
	Unlock(ctx context.Context, ref signing.Ref, pin string, now time.Time) (signing.Credential, error)
}

// Notifier queues an outbound message; it must not block on delivery.
type Notifier interface {
	Enqueue(channel notification.Channel, recipient, templateID string, data map[string]string) (*notification.Notification, error)
}

// Metrics is the subset of telemetry.Registry the lifecycle reports to.
type Metrics interface {
	SignOutcome(outcome string)
	VerifyResult(reason string)
	Revoked()
	DocumentDownloaded()
	NotificationDropped()
}

type nopMetrics struct{}

func (nopMetrics) SignOutcome(string)   {}
func (nopMetrics) VerifyResult(string)  {}
func (nopMetrics) Revoked()             {}
func (nopMetrics) DocumentDownloaded()  {}
func (nopMetrics) NotificationDropped() {}

// Service owns the prescription state machine: draft -> signed -> revoked.
type Service struct {
	repo     Repository
	tx       Transactor
	keyring  Unlocker
	renderer *rxpdf.Renderer
	signer   *signing.Signer
	issuer   *verifycode.Issuer
	blobs    blobstore.BlobStore
	logger   zerolog.Logger

	notifier Notifier
	metrics  Metrics
	audit    audit.Recorder
	now      func() time.Time
}

// NewService wires the sign pipeline. Notifications, metrics and auditing are
// off until their setters are called.
func NewService(
	repo Repository,
	tx Transactor,
	keyring Unlocker,
	renderer *rxpdf.Renderer,
	signer *signing.Signer,
	issuer *verifycode.Issuer,
	blobs blobstore.BlobStore,
	logger zerolog.Logger,
) *Service {
	return &Service{
		repo:     repo,
		tx:       tx,
		keyring:  keyring,
		renderer: renderer,
		signer:   signer,
		issuer:   issuer,
		blobs:    blobs,
		logger:   logger.With().Str("component", "prescription").Logger(),
		metrics:  nopMetrics{},
		now:      time.Now,
	}
}

// SetNotifier enables the post-sign notification trigger.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// SetMetrics reports lifecycle events to m. A nil m disables reporting.
func (s *Service) SetMetrics(m Metrics) {
	if m == nil {
		m = nopMetrics{}
	}
	s.metrics = m
}

// SetAuditRecorder attaches the sink for document downloads.
func (s *Service) SetAuditRecorder(r audit.Recorder) { s.audit = r }

// SetClock replaces the clock used for timestamps and credential validity.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// CreateInput is the body of a create request.
type CreateInput struct {
	PatientID       uuid.UUID    `json:"patient_id"`
	DoctorID        *uuid.UUID   `json:"doctor_id,omitempty"`
	MedicalRecordID *uuid.UUID   `json:"medical_record_id,omitempty"`
	Type            Type         `json:"type"`
	Medications     []Medication `json:"medications"`
	Notes           string       `json:"notes,omitempty"`
}

// Create stores a new draft. The prescribing doctor is the caller unless an
// admin names another one.
func (s *Service) Create(ctx context.Context, actor Actor, in CreateInput) (*Prescription, error) {
	if in.PatientID == uuid.Nil {
		return nil, invalid("patient_id: required")
	}
	doctor := actor.UserID
	if in.DoctorID != nil && *in.DoctorID != actor.UserID {
		if !actor.Admin {
			return nil, ErrForbidden
		}
		doctor = *in.DoctorID
	}

	meds := make([]Medication, len(in.Medications))
	for i, m := range in.Medications {
		meds[i] = Medication{
			Name:      strings.TrimSpace(m.Name),
			Dosage:    strings.TrimSpace(m.Dosage),
			Frequency: strings.TrimSpace(m.Frequency),
			Duration:  strings.TrimSpace(m.Duration),
		}
	}
	if err := validateMedications(in.Type, meds); err != nil {
		return nil, err
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	p := &Prescription{
		ID:              uuid.New(),
		ClinicID:        actor.ClinicID,
		PatientID:       in.PatientID,
		DoctorID:        doctor,
		MedicalRecordID: in.MedicalRecordID,
		Type:            in.Type,
		Status:          StatusDraft,
		Medications:     meds,
		Notes:           strings.TrimSpace(in.Notes),
		CreatedBy:       actor.UserID.String(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("event", "prescription.created").
		Str("prescription_id", p.ID.String()).
		Str("clinic_id", p.ClinicID.String()).
		Str("type", string(p.Type)).
		Msg("prescription created")
	return p, nil
}

func (s *Service) Get(ctx context.Context, clinicID, id uuid.UUID) (*Prescription, error) {
	return s.repo.Get(ctx, clinicID, id)
}

func (s *Service) List(ctx context.Context, clinicID uuid.UUID, f ListFilter, limit, offset int) ([]*Prescription, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, invalid(fmt.Sprintf("status: unknown value %q", f.Status))
	}
	if f.Type != "" && !f.Type.Valid() {
		return nil, 0, invalid(fmt.Sprintf("type: unknown value %q", f.Type))
	}
	return s.repo.List(ctx, clinicID, f, limit, offset)
}

type NotifyTarget struct {
	Channel   notification.Channel `json:"channel"`
	Recipient string               `json:"recipient"`
}

// SignInput is the body of a sign request. SignerUserID must be the caller.
type SignInput struct {
	CredentialID uuid.UUID     `json:"credential_id"`
	PIN          string        `json:"pin"`
	SignerUserID uuid.UUID     `json:"signer_user_id"`
	Notify       *NotifyTarget `json:"notify,omitempty"`
}

// SignResult is returned once. Token is not stored anywhere in clear.
type SignResult struct {
	Prescription *Prescription    `json:"prescription"`
	Signature    *SignatureRecord `json:"signature"`
	Token        string           `json:"verification_code"`
	VerifyURL    string           `json:"verify_url"`
}

// Sign moves a draft to signed. Render, sign, issue and persist all run under
// the prescription's row lock inside one transaction; any failure leaves the
// draft untouched and no document or token reachable.
func (s *Service) Sign(ctx context.Context, actor Actor, id uuid.UUID, in SignInput) (*SignResult, error) {
	if in.SignerUserID != actor.UserID {
		return nil, ErrForbidden
	}
	if in.Notify != nil && (!in.Notify.Channel.Valid() || strings.TrimSpace(in.Notify.Recipient) == "") {
		return nil, invalid("notify: channel must be email or sms and recipient is required")
	}

	var (
		res    *SignResult
		blobID string
	)
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		p, err := s.repo.Lock(ctx, actor.ClinicID, id)
		if err != nil {
			return err
		}
		if p.Status != StatusDraft {
			return fmt.Errorf("%w: prescription is %s", ErrInvalidState, p.Status)
		}
		if p.DoctorID != actor.UserID {
			return ErrForbidden
		}

		at := s.now()
		cred, err := s.keyring.Unlock(ctx, signing.Ref{
			CredentialID: in.CredentialID,
			ClinicID:     actor.ClinicID,
			UserID:       actor.UserID,
		}, in.PIN, at)
		if err != nil {
			return err
		}
		defer signing.Release(cred)

		doc := p.document()
		draft, err := s.renderer.Render(doc)
		if err != nil {
			return &RenderError{Err: err}
		}
		signed, err := s.signer.SignAt(ctx, draft, cred, at)
		if err != nil {
			return err
		}
		code, err := s.issuer.Issue(p.ID.String())
		if err != nil {
			return err
		}
		expires := signed.SignedAt.Add(p.Type.Validity())
		final, err := s.renderer.Seal(doc, rxpdf.Seal{
			QR:            code.QR,
			URL:           code.URL,
			SignerName:    signed.Identity.DisplayName,
			Registration:  signed.Identity.Registration,
			SignedAt:      signed.SignedAt,
			ExpiresAt:     expires,
			ContentDigest: signed.ContentDigest,
			Envelope:      signed.Envelope,
		})
		if err != nil {
			return fmt.Errorf("seal document: %w", err)
		}
		sum := sha256.Sum256(final)
		hash := hex.EncodeToString(sum[:])

		meta, err := s.blobs.Upload(ctx, blobstore.BlobMetadata{
			ClinicID:    p.ClinicID.String(),
			FileName:    "receita-" + p.ID.String() + ".pdf",
			ContentType: "application/pdf",
			CreatedBy:   actor.UserID.String(),
		}, bytes.NewReader(final))
		if err != nil {
			return fmt.Errorf("store document: %w", err)
		}
		blobID = meta.ID

		rec := &SignatureRecord{
			PrescriptionID:     p.ID,
			ClinicID:           p.ClinicID,
			CredentialID:       in.CredentialID,
			SignerUserID:       actor.UserID,
			SignerName:         signed.Identity.DisplayName,
			SignerRegistration: signed.Identity.Registration,
			CertificateSerial:  signed.Identity.Serial(),
			CertificateSubject: signed.Identity.Subject(),
			CertificateIssuer:  signed.Identity.Issuer(),
			SignatureAlgorithm: signed.Algorithm,
			HashAlgorithm:      signed.HashAlgorithm,
			ContentDigest:      signed.ContentDigest,
			DocumentHash:       hash,
			DocumentID:         meta.ID,
			Envelope:           signed.Envelope,
			TokenHash:          code.Hash,
			SignedAt:           signed.SignedAt,
		}
		if err := s.repo.InsertSignature(ctx, rec); err != nil {
			return err
		}

		signedAt := signed.SignedAt
		url := meta.URL
		p.Status = StatusSigned
		p.SignedAt = &signedAt
		p.SignatureHash = &hash
		p.DocumentURL = &url
		p.ExpiresAt = &expires
		p.UpdatedAt = s.now().UTC().Truncate(time.Microsecond)
		if err := s.repo.MarkSigned(ctx, p); err != nil {
			return err
		}

		res = &SignResult{Prescription: p, Signature: rec, Token: code.Token, VerifyURL: code.URL}
		return nil
	})
	if errors.Is(err, db.ErrCommit) && res != nil {
		err = s.settleCommit(ctx, actor.ClinicID, res, err, &blobID)
	}
	if err != nil {
		if blobID != "" && !blobstore.JoinsTransaction(s.blobs) {
			if derr := s.blobs.Delete(context.WithoutCancel(ctx), blobID); derr != nil {
				s.logger.Error().Err(derr).Str("blob_id", blobID).Msg("failed to remove document of rolled back signature")
			}
		}
		outcome := signOutcome(err)
		s.metrics.SignOutcome(outcome)
		s.logger.Warn().
			Str("event", "prescription.sign_failed").
			Str("prescription_id", id.String()).
			Str("clinic_id", actor.ClinicID.String()).
			Str("outcome", outcome).
			Err(err).
			Msg("prescription signing failed")
		return nil, err
	}

	s.metrics.SignOutcome("signed")
	s.logger.Info().
		Str("event", "prescription.signed").
		Str("prescription_id", id.String()).
		Str("clinic_id", actor.ClinicID.String()).
		Str("credential_id", in.CredentialID.String()).
		Str("document_hash", res.Signature.DocumentHash).
		Msg("prescription signed")

	if in.Notify != nil {
		s.notifySigned(res, in.Notify)
	}
	return res, nil
}

// settleCommit resolves a sign whose COMMIT failed. The server may have
// applied it anyway, so the stored signature decides: when it is ours the sign
// succeeded, when it is absent the document can go, and when it cannot be read
// the document is kept and *blobID cleared so it is not deleted.
func (s *Service) settleCommit(ctx context.Context, clinicID uuid.UUID, res *SignResult, err error, blobID *string) error {
	id := res.Prescription.ID
	sig, gerr := s.repo.GetSignature(context.WithoutCancel(ctx), clinicID, id)
	switch {
	case gerr == nil && sig.ID == res.Signature.ID:
		s.logger.Warn().Err(err).
			Str("prescription_id", id.String()).
			Msg("commit reported an error but the signature is stored")
		return nil
	case gerr == nil, errors.Is(gerr, ErrNotFound):
		return err
	}
	s.logger.Error().Err(gerr).
		Str("prescription_id", id.String()).
		Str("blob_id", *blobID).
		Msg("signature state unknown after commit error; keeping document as a possible orphan")
	*blobID = ""
	return err
}

func (s *Service) notifySigned(res *SignResult, to *NotifyTarget) {
	if s.notifier == nil {
		return
	}
	_, err := s.notifier.Enqueue(to.Channel, strings.TrimSpace(to.Recipient), notification.TemplatePrescriptionSigned, map[string]string{
		"clinic_name": s.renderer.Branding().Name,
		"doctor_name": res.Signature.SignerName,
		"verify_url":  res.VerifyURL,
	})
	if err == nil {
		return
	}
	if errors.Is(err, notification.ErrQueueFull) {
		s.metrics.NotificationDropped()
	}
	s.logger.Warn().Err(err).
		Str("prescription_id", res.Prescription.ID.String()).
		Str("channel", string(to.Channel)).
		Msg("signed notification not queued")
}

func signOutcome(err error) string {
	var (
		verr *ValidationError
		rerr *RenderError
	)
	switch {
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, signing.ErrCredentialExpired):
		return "credential_expired"
	case errors.Is(err, signing.ErrCredentialInvalid), errors.Is(err, signing.ErrCredentialNotFound):
		return "credential_invalid"
	case errors.As(err, &rerr):
		return "render_error"
	case errors.As(err, &verr):
		return "invalid"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "error"
}

// Revoke marks a signed prescription revoked. The signed document and its
// signature record are left as they are.
func (s *Service) Revoke(ctx context.Context, actor Actor, id uuid.UUID, reason string) (*Prescription, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, invalid("reason: required")
	}

	var out *Prescription
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		p, err := s.repo.Lock(ctx, actor.ClinicID, id)
		if err != nil {
			return err
		}
		if p.DoctorID != actor.UserID && !actor.Admin {
			return ErrForbidden
		}
		if p.Status != StatusSigned {
			return fmt.Errorf("%w: prescription is %s", ErrInvalidState, p.Status)
		}

		now := s.now().UTC().Truncate(time.Microsecond)
		rev := &Revocation{
			PrescriptionID: p.ID,
			ClinicID:       p.ClinicID,
			Reason:         reason,
			RevokedBy:      actor.UserID,
			RevokedAt:      now,
		}
		if err := s.repo.MarkRevoked(ctx, rev); err != nil {
			return err
		}
		p.Status = StatusRevoked
		p.Revocation = rev
		p.UpdatedAt = now
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Revoked()
	s.logger.Info().
		Str("event", "prescription.revoked").
		Str("prescription_id", id.String()).
		Str("clinic_id", actor.ClinicID.String()).
		Str("revoked_by", actor.UserID.String()).
		Msg("prescription revoked")
	return out, nil
}

// Document is a signed prescription's stored file.
type Document struct {
	Content  []byte
	FileName string
	Hash     string
}

// Document returns the signed document of a signed or revoked prescription
// and records the access.
func (s *Service) Document(ctx context.Context, actor Actor, id uuid.UUID) (*Document, error) {
	p, err := s.repo.Get(ctx, actor.ClinicID, id)
	if err != nil {
		return nil, err
	}
	if p.Status == StatusDraft {
		return nil, fmt.Errorf("%w: prescription has not been signed", ErrNotFound)
	}
	sig, err := s.repo.GetSignature(ctx, actor.ClinicID, id)
	if err != nil {
		return nil, fmt.Errorf("signature of %s prescription %s: %w", p.Status, id, err)
	}
	content, meta, err := blobstore.ReadAll(ctx, s.blobs, sig.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("read document %s: %w", sig.DocumentID, err)
	}

	s.metrics.DocumentDownloaded()
	if s.audit != nil {
		err := s.audit.Record(ctx, audit.Entry{
			ClinicID:     actor.ClinicID,
			ActorID:      actor.UserID.String(),
			Action:       audit.ActionDocumentDownload,
			ResourceType: "prescription",
			ResourceID:   id.String(),
		})
		if err != nil {
			s.logger.Error().Err(err).Str("prescription_id", id.String()).Msg("failed to record document download")
		}
	}
	return &Document{Content: content, FileName: meta.FileName, Hash: sig.DocumentHash}, nil
}

// Signature returns the signature record of a signed or revoked prescription.
func (s *Service) Signature(ctx context.Context, clinicID, id uuid.UUID) (*SignatureRecord, error) {
	if _, err := s.repo.Get(ctx, clinicID, id); err != nil {
		return nil, err
	}
	return s.repo.GetSignature(ctx, clinicID, id)
}
