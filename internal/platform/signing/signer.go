package signing

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/digitorus/pkcs7"
)

const HashAlgorithm = "SHA-256"

// SignedDocument is the detached integrity record of one signature.
type SignedDocument struct {
	Envelope      []byte // DER CMS SignedData with the content attached
	ContentDigest string // hex SHA-256 of the signed content
	SignedAt      time.Time
	Identity      Identity
	Algorithm     string
	HashAlgorithm string
}

// Signer wraps content in a CMS SignedData envelope so any standard
// validator (openssl cms -verify, ICP-Brasil tooling) can check it.
type Signer struct {
	now func() time.Time
}

// NewSigner returns a Signer that stamps signatures with the wall clock.
func NewSigner() *Signer {
	return &Signer{now: time.Now}
}

// Sign signs content with cred, stamped with the current time.
func (s *Signer) Sign(ctx context.Context, content []byte, cred Credential) (*SignedDocument, error) {
	return s.SignAt(ctx, content, cred, s.now())
}

// SignAt signs content with cred and records at, truncated to the second, as
// the signing time. Callers that already checked the credential against a
// clock pass that same instant.
func (s *Signer) SignAt(ctx context.Context, content []byte, cred Credential, at time.Time) (*SignedDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := cred.Identity()
	if id.Certificate == nil {
		return nil, fmt.Errorf("%w: credential has no certificate", ErrCredentialInvalid)
	}
	alg, err := signatureAlgorithm(id)
	if err != nil {
		return nil, err
	}

	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, fmt.Errorf("cms: %w", err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if err := sd.AddSigner(id.Certificate, cred, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, fmt.Errorf("cms add signer: %w", err)
	}
	envelope, err := sd.Finish()
	if err != nil {
		return nil, fmt.Errorf("cms finish: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(content)
	return &SignedDocument{
		Envelope:      envelope,
		ContentDigest: hex.EncodeToString(sum[:]),
		SignedAt:      at.UTC().Truncate(time.Second),
		Identity:      id,
		Algorithm:     alg,
		HashAlgorithm: HashAlgorithm,
	}, nil
}

func signatureAlgorithm(id Identity) (string, error) {
	switch id.Certificate.PublicKey.(type) {
	case *rsa.PublicKey:
		return "RSA-SHA256", nil
	case *ecdsa.PublicKey:
		return "ECDSA-SHA256", nil
	default:
		return "", fmt.Errorf("%w: unsupported key type %T", ErrCredentialInvalid, id.Certificate.PublicKey)
	}
}

// VerifyEnvelope checks a CMS envelope's signature and returns the content.
func VerifyEnvelope(envelope []byte) ([]byte, error) {
	p7, err := pkcs7.Parse(envelope)
	if err != nil {
		return nil, fmt.Errorf("parse cms: %w", err)
	}
	if err := p7.Verify(); err != nil {
		return nil, fmt.Errorf("verify cms: %w", err)
	}
	return p7.Content, nil
}
