package signing

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"

	"golang.org/x/crypto/pkcs12"
)

// PKCS12Loader opens credentials stored as a password-protected PKCS#12
// bundle; the PIN is the bundle password.
type PKCS12Loader struct{}

func (PKCS12Loader) Load(_ context.Context, rec *Record, cert *x509.Certificate, pin string) (crypto.Signer, error) {
	signer, bundleCert, err := DecodePKCS12(rec.KeyMaterial, pin)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(bundleCert.Raw, cert.Raw) {
		zeroKey(signer)
		return nil, fmt.Errorf("%w: bundle certificate differs from registered certificate", ErrCredentialInvalid)
	}
	return signer, nil
}

// DecodePKCS12 opens a bundle holding a single key and certificate.
func DecodePKCS12(bundle []byte, password string) (crypto.Signer, *x509.Certificate, error) {
	key, cert, err := pkcs12.Decode(bundle, password)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return nil, nil, fmt.Errorf("%w: incorrect pin", ErrCredentialInvalid)
		}
		return nil, nil, fmt.Errorf("%w: decode pkcs12: %v", ErrCredentialInvalid, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, nil, fmt.Errorf("%w: unsupported key type %T", ErrCredentialInvalid, key)
	}
	return signer, cert, nil
}
