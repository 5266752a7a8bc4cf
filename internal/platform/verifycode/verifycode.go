// Package verifycode issues the public verification token for a signed
// prescription and the QR image that carries its URL.
package verifycode

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/skip2/go-qrcode"
)

// TokenBytes is the amount of randomness in a token (256 bits).
const TokenBytes = 32

// QRSize is the edge length of the generated PNG in pixels.
const QRSize = 256

var ErrMalformedToken = errors.New("malformed verification token")

// Code is everything produced for one signature. Token is handed to the
// caller once and never stored; Hash is what gets persisted.
type Code struct {
	Token string
	Hash  string
	URL   string
	QR    []byte
}

// Issuer builds verification codes under a public base URL.
type Issuer struct {
	baseURL string
	rand    io.Reader
}

// NewIssuer returns an Issuer whose URLs start with publicBaseURL, which must
// be an absolute URL.
func NewIssuer(publicBaseURL string) (*Issuer, error) {
	u, err := url.Parse(publicBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid public base url %q", publicBaseURL)
	}
	return &Issuer{baseURL: strings.TrimRight(publicBaseURL, "/"), rand: rand.Reader}, nil
}

// Issue generates a fresh token for prescriptionID.
func (i *Issuer) Issue(prescriptionID string) (*Code, error) {
	buf := make([]byte, TokenBytes)
	if _, err := io.ReadFull(i.rand, buf); err != nil {
		return nil, fmt.Errorf("generating token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	link := i.URL(prescriptionID, token)
	png, err := qrcode.Encode(link, qrcode.Medium, QRSize)
	if err != nil {
		return nil, fmt.Errorf("encoding qr: %w", err)
	}

	return &Code{
		Token: token,
		Hash:  TokenHash(token),
		URL:   link,
		QR:    png,
	}, nil
}

// URL is the public verification link for a prescription and token.
func (i *Issuer) URL(prescriptionID, token string) string {
	return fmt.Sprintf("%s/verify/prescription/%s?code=%s",
		i.baseURL, url.PathEscape(prescriptionID), url.QueryEscape(token))
}

// TokenHash is the hex SHA-256 of token, the lookup key for stored records.
func TokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Normalize checks that token has the shape Issue produces.
func Normalize(token string) (string, error) {
	token = strings.TrimSpace(token)
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != TokenBytes {
		return "", ErrMalformedToken
	}
	return token, nil
}

// Equal compares two strings in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
