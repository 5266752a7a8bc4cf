package signing

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const sealedVersion = 1

var sealedAAD = []byte("prontivus/sealed-key/v1")

// SealParams are the argon2id cost parameters stored with each sealed key.
type SealParams struct {
	Time    uint32 `json:"t"`
	Memory  uint32 `json:"m"`
	Threads uint8  `json:"p"`
}

var DefaultSealParams = SealParams{Time: 3, Memory: 64 * 1024, Threads: 2}

type sealedKey struct {
	Version    int        `json:"v"`
	Params     SealParams `json:"kdf"`
	Salt       []byte     `json:"salt"`
	Nonce      []byte     `json:"nonce"`
	Ciphertext []byte     `json:"ct"`
}

func deriveKEK(pin string, salt []byte, p SealParams) []byte {
	return argon2.IDKey([]byte(pin), salt, p.Time, p.Memory, p.Threads, chacha20poly1305.KeySize)
}

// SealKey encrypts key as PKCS#8 under a key derived from pin. The result is
// what a sealed credential stores as key material.
func SealKey(key crypto.Signer, pin string, p SealParams) ([]byte, error) {
	if pin == "" {
		return nil, fmt.Errorf("pin is required")
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal pkcs8: %w", err)
	}
	defer clear(der)

	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	kek := deriveKEK(pin, salt, p)
	defer clear(kek)

	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return json.Marshal(sealedKey{
		Version:    sealedVersion,
		Params:     p,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, der, sealedAAD),
	})
}

// SealedLoader opens PIN-sealed PKCS#8 keys.
type SealedLoader struct{}

func (SealedLoader) Load(_ context.Context, rec *Record, _ *x509.Certificate, pin string) (crypto.Signer, error) {
	return OpenSealedKey(rec.KeyMaterial, pin)
}

// OpenSealedKey decrypts key material produced by SealKey. A wrong PIN
// returns ErrCredentialInvalid.
func OpenSealedKey(material []byte, pin string) (crypto.Signer, error) {
	var sk sealedKey
	if err := json.Unmarshal(material, &sk); err != nil {
		return nil, fmt.Errorf("decode sealed key: %w", err)
	}
	if sk.Version != sealedVersion {
		return nil, fmt.Errorf("unsupported sealed key version %d", sk.Version)
	}

	kek := deriveKEK(pin, sk.Salt, sk.Params)
	defer clear(kek)

	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, err
	}
	if len(sk.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("sealed key nonce has wrong size")
	}
	der, err := aead.Open(nil, sk.Nonce, sk.Ciphertext, sealedAAD)
	if err != nil {
		return nil, fmt.Errorf("%w: incorrect pin", ErrCredentialInvalid)
	}
	defer clear(der)

	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse pkcs8: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported key type %T", key)
	}
	return signer, nil
}
