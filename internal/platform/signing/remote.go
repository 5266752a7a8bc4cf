package signing

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RemoteLoader unlocks keys held by an HSM gateway. Unlock opens a signing
// session with the PIN; each signature is then a call carrying only the
// digest. The private key never leaves the gateway.
//
// Gateway contract:
//
//	POST   {base}/keys/{ref}/sessions        {"pin"}            -> {"session"}
//	POST   {base}/keys/{ref}/sign            {"digest","hash"}  -> {"signature"}
//	DELETE {base}/keys/{ref}/sessions/{id}
type RemoteLoader struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// NewRemoteLoader returns a loader for the gateway at baseURL, authenticating
// with token. timeout bounds each gateway call.
func NewRemoteLoader(baseURL, token string, timeout time.Duration) *RemoteLoader {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RemoteLoader{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
	}
}

type sessionRequest struct {
	PIN string `json:"pin"`
}

type sessionResponse struct {
	Session string `json:"session"`
}

type signRequest struct {
	Digest string `json:"digest"`
	Hash   string `json:"hash"`
}

type signResponse struct {
	Signature string `json:"signature"`
}

func (l *RemoteLoader) Load(ctx context.Context, rec *Record, cert *x509.Certificate, pin string) (crypto.Signer, error) {
	if l.BaseURL == "" {
		return nil, fmt.Errorf("remote signer is not configured")
	}
	if rec.KeyRef == "" {
		return nil, fmt.Errorf("credential %s has no key reference", rec.ID)
	}

	var resp sessionResponse
	path := "/keys/" + url.PathEscape(rec.KeyRef) + "/sessions"
	if err := l.call(ctx, http.MethodPost, path, "", sessionRequest{PIN: pin}, &resp); err != nil {
		return nil, err
	}
	if resp.Session == "" {
		return nil, fmt.Errorf("remote signer returned an empty session")
	}

	return &remoteSigner{
		ctx:     ctx,
		loader:  l,
		keyRef:  rec.KeyRef,
		session: resp.Session,
		public:  cert.PublicKey,
	}, nil
}

func (l *RemoteLoader) call(ctx context.Context, method, path, session string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, l.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if l.Token != "" {
		req.Header.Set("Authorization", "Bearer "+l.Token)
	}
	if session != "" {
		req.Header.Set("X-Signer-Session", session)
	}

	resp, err := l.Client.Do(req)
	if err != nil {
		return fmt.Errorf("remote signer %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: remote signer refused (%d)", ErrCredentialInvalid, resp.StatusCode)
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("remote signer %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode remote signer response: %w", err)
	}
	return nil
}

// remoteSigner signs through an open gateway session. It is bound to the
// context of the request that unlocked it.
type remoteSigner struct {
	ctx     context.Context
	loader  *RemoteLoader
	keyRef  string
	session string
	public  crypto.PublicKey
}

func (s *remoteSigner) Public() crypto.PublicKey { return s.public }

func (s *remoteSigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if opts.HashFunc() != crypto.SHA256 {
		return nil, fmt.Errorf("remote signer supports SHA-256 only, got %v", opts.HashFunc())
	}

	var resp signResponse
	path := "/keys/" + url.PathEscape(s.keyRef) + "/sign"
	req := signRequest{Digest: base64.StdEncoding.EncodeToString(digest), Hash: "SHA-256"}
	if err := s.loader.call(s.ctx, http.MethodPost, path, s.session, req, &resp); err != nil {
		return nil, err
	}
	sig, err := base64.StdEncoding.DecodeString(resp.Signature)
	if err != nil || len(sig) == 0 {
		return nil, fmt.Errorf("remote signer returned a malformed signature")
	}
	return sig, nil
}

// Close ends the gateway session.
func (s *remoteSigner) Close() error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 5*time.Second)
	defer cancel()
	path := "/keys/" + url.PathEscape(s.keyRef) + "/sessions/" + url.PathEscape(s.session)
	return s.loader.call(ctx, http.MethodDelete, path, s.session, nil, nil)
}
