package signing

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

var (
	testClinic = uuid.MustParse("6f1c2d9e-8a55-4d1b-9f0e-3c7a2b1d4e5f")
	testDoctor = uuid.MustParse("a1b2c3d4-e5f6-4a7b-8c9d-0e1f2a3b4c5d")
)

// selfSigned issues a certificate for key valid in [notBefore, notAfter].
func selfSigned(t *testing.T, key crypto.Signer, cn string, notBefore, notAfter time.Time) *x509.Certificate {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn, Organization: []string{"Clinica Teste"}},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert
}

func ecKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

var fastSeal = SealParams{Time: 1, Memory: 8 * 1024, Threads: 1}

func sealedRecord(t *testing.T, store Store, pin string) (*Record, *ecdsa.PrivateKey) {
	t.Helper()
	key := ecKey(t)
	now := time.Now()
	cert := selfSigned(t, key, "Dr. Carlos Lima", now.Add(-time.Hour), now.Add(365*24*time.Hour))

	rec := NewRecord(testClinic, testDoctor, KindSealed, "", "CRM-SP 654321", cert)
	material, err := SealKey(key, pin, fastSeal)
	if err != nil {
		t.Fatal(err)
	}
	rec.KeyMaterial = material
	if err := store.Create(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	return rec, key
}

func ref(rec *Record) Ref {
	return Ref{CredentialID: rec.ID, ClinicID: rec.ClinicID, UserID: rec.UserID}
}

func TestKeyring_PKCS12(t *testing.T) {
	bundle, err := os.ReadFile("testdata/doctor.p12")
	if err != nil {
		t.Fatal(err)
	}
	_, cert, err := DecodePKCS12(bundle, "1234")
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}

	store := NewMemoryStore()
	rec := NewRecord(testClinic, testDoctor, KindPKCS12, "", "CRM-SP 123456", cert)
	rec.KeyMaterial = bundle
	if err := store.Create(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	kr := NewKeyring(store)
	kr.Register(KindPKCS12, PKCS12Loader{})
	inWindow := cert.NotBefore.Add(time.Hour)

	cred, err := kr.Unlock(context.Background(), ref(rec), "1234", inWindow)
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	defer Release(cred)

	if cred.Identity().DisplayName != cert.Subject.CommonName {
		t.Errorf("display name = %q", cred.Identity().DisplayName)
	}
	if cred.Identity().Registration != "CRM-SP 123456" {
		t.Errorf("registration = %q", cred.Identity().Registration)
	}

	content := []byte("%PDF-1.3 prescription body")
	doc, err := NewSigner().Sign(context.Background(), content, cred)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if doc.Algorithm != "RSA-SHA256" {
		t.Errorf("algorithm = %q", doc.Algorithm)
	}
	got, err := VerifyEnvelope(doc.Envelope)
	if err != nil {
		t.Fatalf("verify envelope: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("envelope content differs from signed content")
	}

	if _, err := kr.Unlock(context.Background(), ref(rec), "0000", inWindow); !errors.Is(err, ErrCredentialInvalid) {
		t.Errorf("wrong pin: expected ErrCredentialInvalid, got %v", err)
	}
}

func TestKeyring_CheckOrder(t *testing.T) {
	store := NewMemoryStore()
	rec, _ := sealedRecord(t, store, "4321")
	kr := NewKeyring(store)
	kr.Register(KindSealed, SealedLoader{})
	ctx := context.Background()
	now := time.Now()

	otherUser := ref(rec)
	otherUser.UserID = uuid.New()
	if _, err := kr.Unlock(ctx, otherUser, "4321", now); !errors.Is(err, ErrCredentialNotFound) {
		t.Errorf("other user: expected ErrCredentialNotFound, got %v", err)
	}

	otherClinic := ref(rec)
	otherClinic.ClinicID = uuid.New()
	if _, err := kr.Unlock(ctx, otherClinic, "4321", now); !errors.Is(err, ErrCredentialNotFound) {
		t.Errorf("other clinic: expected ErrCredentialNotFound, got %v", err)
	}

	unknown := ref(rec)
	unknown.CredentialID = uuid.New()
	if _, err := kr.Unlock(ctx, unknown, "4321", now); !errors.Is(err, ErrCredentialNotFound) {
		t.Errorf("unknown id: expected ErrCredentialNotFound, got %v", err)
	}

	// Expiry is reported before the pin is even tried.
	if _, err := kr.Unlock(ctx, ref(rec), "wrong", now.Add(2*365*24*time.Hour)); !errors.Is(err, ErrCredentialExpired) {
		t.Errorf("expired: expected ErrCredentialExpired, got %v", err)
	}
	if _, err := kr.Unlock(ctx, ref(rec), "4321", now.Add(-48*time.Hour)); !errors.Is(err, ErrCredentialExpired) {
		t.Errorf("not yet valid: expected ErrCredentialExpired, got %v", err)
	}

	if _, err := kr.Unlock(ctx, ref(rec), "wrong", now); !errors.Is(err, ErrCredentialInvalid) {
		t.Errorf("wrong pin: expected ErrCredentialInvalid, got %v", err)
	}
	if _, err := kr.Unlock(ctx, ref(rec), "", now); !errors.Is(err, ErrCredentialInvalid) {
		t.Errorf("empty pin: expected ErrCredentialInvalid, got %v", err)
	}

	if err := store.SetStatus(ctx, rec.ID, StatusDisabled); err != nil {
		t.Fatal(err)
	}
	if _, err := kr.Unlock(ctx, ref(rec), "4321", now); !errors.Is(err, ErrCredentialNotFound) {
		t.Errorf("disabled: expected ErrCredentialNotFound, got %v", err)
	}
}

func TestKeyring_SealedSignAndRelease(t *testing.T) {
	store := NewMemoryStore()
	rec, _ := sealedRecord(t, store, "4321")
	kr := NewKeyring(store)
	kr.Register(KindSealed, SealedLoader{})

	cred, err := kr.Unlock(context.Background(), ref(rec), "4321", time.Now())
	if err != nil {
		t.Fatal(err)
	}

	content := []byte("sealed content")
	doc, err := NewSigner().Sign(context.Background(), content, cred)
	if err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(content)
	if doc.ContentDigest != hex.EncodeToString(sum[:]) {
		t.Errorf("digest = %s", doc.ContentDigest)
	}
	if doc.Algorithm != "ECDSA-SHA256" || doc.HashAlgorithm != "SHA-256" {
		t.Errorf("algorithms = %s / %s", doc.Algorithm, doc.HashAlgorithm)
	}
	if _, err := VerifyEnvelope(doc.Envelope); err != nil {
		t.Fatalf("verify: %v", err)
	}

	Release(cred)
	if _, err := NewSigner().Sign(context.Background(), content, cred); err == nil {
		t.Error("released credential must not sign")
	}
}

func TestSigner_SignAtUsesCallerClock(t *testing.T) {
	store := NewMemoryStore()
	rec, _ := sealedRecord(t, store, "4321")
	kr := NewKeyring(store)
	kr.Register(KindSealed, SealedLoader{})

	at := time.Now().Add(-30 * time.Minute).Round(0)
	cred, err := kr.Unlock(context.Background(), ref(rec), "4321", at)
	if err != nil {
		t.Fatal(err)
	}
	defer Release(cred)

	doc, err := NewSigner().SignAt(context.Background(), []byte("content"), cred, at)
	if err != nil {
		t.Fatal(err)
	}
	if want := at.UTC().Truncate(time.Second); !doc.SignedAt.Equal(want) {
		t.Errorf("signed_at = %s, want %s", doc.SignedAt, want)
	}
}

func TestKeyring_KeyCertificateMismatch(t *testing.T) {
	store := NewMemoryStore()
	rec, _ := sealedRecord(t, store, "4321")

	other, err := SealKey(ecKey(t), "4321", fastSeal)
	if err != nil {
		t.Fatal(err)
	}
	rec.KeyMaterial = other
	rec.ID = uuid.New()
	if err := store.Create(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	kr := NewKeyring(store)
	kr.Register(KindSealed, SealedLoader{})
	if _, err := kr.Unlock(context.Background(), ref(rec), "4321", time.Now()); !errors.Is(err, ErrCredentialInvalid) {
		t.Errorf("expected ErrCredentialInvalid, got %v", err)
	}
}

func TestKeyring_UnregisteredKind(t *testing.T) {
	store := NewMemoryStore()
	rec, _ := sealedRecord(t, store, "4321")
	kr := NewKeyring(store)
	if _, err := kr.Unlock(context.Background(), ref(rec), "4321", time.Now()); err == nil {
		t.Error("expected error without a loader for the kind")
	}
}

func TestSigner_CancelledContext(t *testing.T) {
	key := ecKey(t)
	cert := selfSigned(t, key, "x", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	cred := NewKeyCredential(Identity{Certificate: cert}, key)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewSigner().Sign(ctx, []byte("x"), cred); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestOpenSealedKey_Corrupt(t *testing.T) {
	if _, err := OpenSealedKey([]byte("{not json"), "1"); err == nil {
		t.Error("expected decode error")
	}
	material, _ := SealKey(ecKey(t), "1", fastSeal)
	material = bytes.Replace(material, []byte(`"v":1`), []byte(`"v":9`), 1)
	if _, err := OpenSealedKey(material, "1"); err == nil {
		t.Error("expected version error")
	}
	if _, err := SealKey(ecKey(t), "", fastSeal); err == nil {
		t.Error("expected error for empty pin")
	}
}
