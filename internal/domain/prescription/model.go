package prescription

import (
	"time"

	"github.com/google/uuid"

	"github.com/prontivus/prontivus/internal/platform/rxpdf"
)

// Type is the regulatory category of a prescription.
type Type string

const (
	TypeSimple        Type = "simple"
	TypeAntimicrobial Type = "antimicrobial"
	TypeControlled    Type = "controlled"
)

func (t Type) Valid() bool {
	switch t {
	case TypeSimple, TypeAntimicrobial, TypeControlled:
		return true
	}
	return false
}

// Validity is how long a signed prescription of type t can be dispensed,
// counted from the signing time. Antimicrobial prescriptions lapse after ten
// days; every other type after thirty.
func (t Type) Validity() time.Duration {
	if t == TypeAntimicrobial {
		return 10 * 24 * time.Hour
	}
	return 30 * 24 * time.Hour
}

// Status is the lifecycle state; it only moves draft -> signed -> revoked.
type Status string

const (
	StatusDraft   Status = "draft"
	StatusSigned  Status = "signed"
	StatusRevoked Status = "revoked"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusSigned, StatusRevoked:
		return true
	}
	return false
}

type Medication struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage,omitempty"`
	Frequency string `json:"frequency,omitempty"`
	Duration  string `json:"duration,omitempty"`
}

// Prescription is a clinic-owned medication order. Signed fields stay nil
// while it is a draft.
type Prescription struct {
	ID              uuid.UUID    `json:"id"`
	ClinicID        uuid.UUID    `json:"clinic_id"`
	PatientID       uuid.UUID    `json:"patient_id"`
	DoctorID        uuid.UUID    `json:"doctor_id"`
	MedicalRecordID *uuid.UUID   `json:"medical_record_id,omitempty"`
	Type            Type         `json:"type"`
	Status          Status       `json:"status"`
	Medications     []Medication `json:"medications"`
	Notes           string       `json:"notes,omitempty"`
	SignedAt        *time.Time   `json:"signed_at,omitempty"`
	SignatureHash   *string      `json:"signature_hash,omitempty"`
	DocumentURL     *string      `json:"document_url,omitempty"`
	ExpiresAt       *time.Time   `json:"expires_at,omitempty"`
	CreatedBy       string       `json:"created_by"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	Revocation      *Revocation  `json:"revocation,omitempty"`
}

// document is the renderer's view of p.
func (p *Prescription) document() rxpdf.Document {
	meds := make([]rxpdf.Medication, len(p.Medications))
	for i, m := range p.Medications {
		meds[i] = rxpdf.Medication{Name: m.Name, Dosage: m.Dosage, Frequency: m.Frequency, Duration: m.Duration}
	}
	return rxpdf.Document{
		ID:          p.ID.String(),
		PatientID:   p.PatientID.String(),
		DoctorID:    p.DoctorID.String(),
		Type:        string(p.Type),
		Medications: meds,
		Notes:       p.Notes,
		CreatedAt:   p.CreatedAt,
	}
}

// SignatureRecord is written once per successful sign and never updated.
type SignatureRecord struct {
	ID                 uuid.UUID `json:"id"`
	PrescriptionID     uuid.UUID `json:"prescription_id"`
	ClinicID           uuid.UUID `json:"clinic_id"`
	CredentialID       uuid.UUID `json:"credential_id"`
	SignerUserID       uuid.UUID `json:"signer_user_id"`
	SignerName         string    `json:"signer_name"`
	SignerRegistration string    `json:"signer_registration,omitempty"`
	CertificateSerial  string    `json:"certificate_serial"`
	CertificateSubject string    `json:"certificate_subject"`
	CertificateIssuer  string    `json:"certificate_issuer"`
	SignatureAlgorithm string    `json:"signature_algorithm"`
	HashAlgorithm      string    `json:"hash_algorithm"`
	ContentDigest      string    `json:"content_digest"`
	DocumentHash       string    `json:"document_hash"`
	DocumentID         string    `json:"-"`
	Envelope           []byte    `json:"-"`
	TokenHash          string    `json:"-"`
	SignedAt           time.Time `json:"signed_at"`
}

// Revocation is the additive marker left by a revoke; the signed document and
// its record are untouched.
type Revocation struct {
	PrescriptionID uuid.UUID `json:"-"`
	ClinicID       uuid.UUID `json:"-"`
	Reason         string    `json:"reason"`
	RevokedBy      uuid.UUID `json:"revoked_by"`
	RevokedAt      time.Time `json:"revoked_at"`
}

// ListFilter narrows List; zero fields match everything.
type ListFilter struct {
	PatientID *uuid.UUID
	DoctorID  *uuid.UUID
	Status    Status
	Type      Type
}

// Actor is the authenticated caller of a service operation.
type Actor struct {
	UserID   uuid.UUID
	ClinicID uuid.UUID
	Admin    bool
}
