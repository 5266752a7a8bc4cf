package signing

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"time"
)

// Loader opens the private key of one credential kind.
type Loader interface {
	Load(ctx context.Context, rec *Record, cert *x509.Certificate, pin string) (crypto.Signer, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, rec *Record, cert *x509.Certificate, pin string) (crypto.Signer, error)

func (f LoaderFunc) Load(ctx context.Context, rec *Record, cert *x509.Certificate, pin string) (crypto.Signer, error) {
	return f(ctx, rec, cert, pin)
}

// Keyring resolves credential records and unlocks them with the loader
// registered for their kind.
type Keyring struct {
	store   Store
	loaders map[Kind]Loader
}

// NewKeyring returns a Keyring over store with no loaders registered.
func NewKeyring(store Store) *Keyring {
	return &Keyring{store: store, loaders: make(map[Kind]Loader)}
}

// Register sets the loader for credentials of kind, replacing any previous one.
func (k *Keyring) Register(kind Kind, l Loader) {
	k.loaders[kind] = l
}

// Unlock returns a credential usable for one signature. Checks run in a
// fixed order: ownership and status, certificate validity at now, then the
// PIN.
func (k *Keyring) Unlock(ctx context.Context, ref Ref, pin string, now time.Time) (Credential, error) {
	rec, err := k.store.Get(ctx, ref.CredentialID)
	if err != nil {
		return nil, err
	}
	if rec.ClinicID != ref.ClinicID || rec.UserID != ref.UserID || rec.Status != StatusActive {
		return nil, ErrCredentialNotFound
	}

	cert, err := rec.ParseCertificate()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredentialInvalid, err)
	}
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return nil, ErrCredentialExpired
	}

	loader, ok := k.loaders[rec.Kind]
	if !ok {
		return nil, fmt.Errorf("no loader registered for credential kind %q", rec.Kind)
	}
	if pin == "" {
		return nil, fmt.Errorf("%w: pin is required", ErrCredentialInvalid)
	}

	signer, err := loader.Load(ctx, rec, cert, pin)
	if err != nil {
		if errors.Is(err, ErrCredentialInvalid) {
			return nil, err
		}
		return nil, fmt.Errorf("unlock credential %s: %w", rec.ID, err)
	}
	if !publicKeysMatch(signer.Public(), cert.PublicKey) {
		zeroKey(signer)
		return nil, fmt.Errorf("%w: key does not match certificate", ErrCredentialInvalid)
	}

	return NewKeyCredential(Identity{
		CredentialID: rec.ID,
		UserID:       rec.UserID,
		DisplayName:  rec.DisplayName,
		Registration: rec.Registration,
		Certificate:  cert,
	}, signer), nil
}
