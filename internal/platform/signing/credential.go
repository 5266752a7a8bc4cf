// Package signing unlocks per-doctor signing credentials and produces CMS
// (PKCS#7) signatures over rendered documents.
//
// Credential variants are chosen by the stored record's Kind through a
// Keyring. An unlocked Credential lives for a single sign call.
package signing

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrCredentialInvalid  = errors.New("signing credential rejected")
	ErrCredentialExpired  = errors.New("signing certificate is outside its validity period")
	ErrCredentialNotFound = errors.New("signing credential not found")
)

// Kind tags how a credential's private key is held.
type Kind string

const (
	KindPKCS12 Kind = "pkcs12"
	KindSealed Kind = "sealed"
	KindRemote Kind = "remote"
)

func (k Kind) Valid() bool {
	switch k {
	case KindPKCS12, KindSealed, KindRemote:
		return true
	}
	return false
}

const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// Record is a stored credential. KeyMaterial is always encrypted (PKCS#12
// bundle or sealed PKCS#8); remote credentials carry only KeyRef.
type Record struct {
	ID           uuid.UUID `json:"id"`
	ClinicID     uuid.UUID `json:"clinic_id"`
	UserID       uuid.UUID `json:"user_id"`
	Kind         Kind      `json:"kind"`
	DisplayName  string    `json:"display_name"`
	Registration string    `json:"registration,omitempty"`
	Certificate  []byte    `json:"-"`
	NotBefore    time.Time `json:"not_before"`
	NotAfter     time.Time `json:"not_after"`
	KeyMaterial  []byte    `json:"-"`
	KeyRef       string    `json:"key_ref,omitempty"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

func (r *Record) ParseCertificate() (*x509.Certificate, error) {
	cert, err := x509.ParseCertificate(r.Certificate)
	if err != nil {
		return nil, fmt.Errorf("credential %s: parse certificate: %w", r.ID, err)
	}
	return cert, nil
}

// NewRecord fills the certificate-derived fields of a record.
func NewRecord(clinicID, userID uuid.UUID, kind Kind, displayName, registration string, cert *x509.Certificate) *Record {
	if displayName == "" {
		displayName = cert.Subject.CommonName
	}
	return &Record{
		ID:           uuid.New(),
		ClinicID:     clinicID,
		UserID:       userID,
		Kind:         kind,
		DisplayName:  displayName,
		Registration: registration,
		Certificate:  cert.Raw,
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
		Status:       StatusActive,
		CreatedAt:    time.Now().UTC(),
	}
}

// Ref names the credential a caller wants to unlock and who is asking.
type Ref struct {
	CredentialID uuid.UUID
	ClinicID     uuid.UUID
	UserID       uuid.UUID
}

// Identity describes the signer behind a credential.
type Identity struct {
	CredentialID uuid.UUID
	UserID       uuid.UUID
	DisplayName  string
	Registration string
	Certificate  *x509.Certificate
}

func (id Identity) Serial() string {
	if id.Certificate == nil {
		return ""
	}
	return id.Certificate.SerialNumber.Text(16)
}

func (id Identity) Subject() string {
	if id.Certificate == nil {
		return ""
	}
	return id.Certificate.Subject.String()
}

func (id Identity) Issuer() string {
	if id.Certificate == nil {
		return ""
	}
	return id.Certificate.Issuer.String()
}

// Credential is an unlocked signing key plus the identity it speaks for.
type Credential interface {
	crypto.Signer
	Identity() Identity
}

// Closer is implemented by credentials that hold resources after unlock.
type Closer interface {
	Close() error
}

// Release drops an unlocked credential's key material.
func Release(c Credential) {
	if cl, ok := c.(Closer); ok {
		_ = cl.Close()
	}
}

// KeyCredential wraps an in-process crypto.Signer.
type KeyCredential struct {
	mu       sync.RWMutex
	signer   crypto.Signer
	public   crypto.PublicKey
	identity Identity
}

// NewKeyCredential pairs an in-process key with its certificate identity.
func NewKeyCredential(id Identity, s crypto.Signer) *KeyCredential {
	return &KeyCredential{signer: s, public: s.Public(), identity: id}
}

func (c *KeyCredential) Public() crypto.PublicKey { return c.public }

func (c *KeyCredential) Identity() Identity { return c.identity }

func (c *KeyCredential) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.signer == nil {
		return nil, fmt.Errorf("%w: credential already released", ErrCredentialInvalid)
	}
	return c.signer.Sign(rand, digest, opts)
}

// Close zeroes the private key where the type allows it.
func (c *KeyCredential) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signer == nil {
		return nil
	}
	if cl, ok := c.signer.(Closer); ok {
		_ = cl.Close()
	}
	zeroKey(c.signer)
	c.signer = nil
	return nil
}

func zeroKey(s crypto.Signer) {
	switch k := s.(type) {
	case *rsa.PrivateKey:
		k.D.SetInt64(0)
		for _, p := range k.Primes {
			p.SetInt64(0)
		}
		k.Precomputed = rsa.PrecomputedValues{}
	case *ecdsa.PrivateKey:
		k.D.SetInt64(0)
	case ed25519.PrivateKey:
		clear(k)
	}
}

// publicKeysMatch reports whether a and b are the same public key.
func publicKeysMatch(a, b crypto.PublicKey) bool {
	eq, ok := a.(interface{ Equal(crypto.PublicKey) bool })
	return ok && eq.Equal(b)
}
