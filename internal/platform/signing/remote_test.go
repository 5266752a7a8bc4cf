package signing

import (
	"context"
	"crypto"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestRemoteLoader(t *testing.T) {
	key := ecKey(t)
	now := time.Now()
	cert := selfSigned(t, key, "Dra. Beatriz Rocha", now.Add(-time.Hour), now.Add(24*time.Hour))
	var closed atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST /keys/hsm-key-1/sessions", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer gw-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		var req sessionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.PIN != "4321" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(sessionResponse{Session: "sess-1"})
	})
	mux.HandleFunc("POST /keys/hsm-key-1/sign", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Signer-Session") != "sess-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req signRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		digest, _ := base64.StdEncoding.DecodeString(req.Digest)
		sig, err := key.Sign(rand.Reader, digest, crypto.SHA256)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(signResponse{Signature: base64.StdEncoding.EncodeToString(sig)})
	})
	mux.HandleFunc("DELETE /keys/hsm-key-1/sessions/sess-1", func(w http.ResponseWriter, r *http.Request) {
		closed.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := NewMemoryStore()
	rec := NewRecord(testClinic, testDoctor, KindRemote, "", "CRM-RJ 777", cert)
	rec.KeyRef = "hsm-key-1"
	if err := store.Create(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	kr := NewKeyring(store)
	kr.Register(KindRemote, NewRemoteLoader(srv.URL+"/", "gw-token", time.Second))

	if _, err := kr.Unlock(context.Background(), ref(rec), "0000", now); !errors.Is(err, ErrCredentialInvalid) {
		t.Errorf("wrong pin: expected ErrCredentialInvalid, got %v", err)
	}

	cred, err := kr.Unlock(context.Background(), ref(rec), "4321", now)
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	content := []byte("remote signed content")
	doc, err := NewSigner().Sign(context.Background(), content, cred)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := VerifyEnvelope(doc.Envelope); err != nil {
		t.Fatalf("verify: %v", err)
	}

	Release(cred)
	if closed.Load() != 1 {
		t.Errorf("session close calls = %d, want 1", closed.Load())
	}
}

func TestRemoteLoader_Misconfigured(t *testing.T) {
	l := NewRemoteLoader("", "", 0)
	if _, err := l.Load(context.Background(), &Record{KeyRef: "k"}, nil, "1"); err == nil {
		t.Error("expected error without base url")
	}
	l = NewRemoteLoader("http://127.0.0.1:1", "", 0)
	if _, err := l.Load(context.Background(), &Record{}, nil, "1"); err == nil {
		t.Error("expected error without key ref")
	}
}
