package main

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/prontivus/prontivus/internal/config"
	"github.com/prontivus/prontivus/internal/platform/auth"
	"github.com/prontivus/prontivus/internal/platform/blobstore"
	"github.com/prontivus/prontivus/internal/platform/db"
	"github.com/prontivus/prontivus/internal/platform/signing"
)

func TestRootCmd_Commands(t *testing.T) {
	root := rootCmd()
	for _, path := range [][]string{
		{"serve"},
		{"migrate", "up"},
		{"migrate", "status"},
		{"credential", "import"},
		{"credential", "seal"},
		{"credential", "register-remote"},
		{"credential", "list"},
		{"credential", "disable"},
	} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd.Name() != path[len(path)-1] {
			t.Errorf("command %v not registered: %v", path, err)
		}
	}
	if root.PersistentFlags().Lookup("env-file") == nil {
		t.Error("expected persistent --env-file flag")
	}
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("PRONTIVUS_TEST_BRAND=Clinica Norte\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("PRONTIVUS_TEST_BRAND") })

	if err := loadEnvFiles([]string{path}); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("PRONTIVUS_TEST_BRAND"); got != "Clinica Norte" {
		t.Errorf("env not loaded, got %q", got)
	}

	if err := loadEnvFiles([]string{filepath.Join(dir, "missing.env")}); err == nil {
		t.Error("expected error for a missing env file")
	}
	if err := loadEnvFiles(nil); err != nil {
		t.Errorf("no files should be a no-op: %v", err)
	}
}

func TestSkipPublic(t *testing.T) {
	e := echo.New()
	mw := skipPublic(db.ClinicMiddleware(""))
	h := mw(func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	tests := []struct {
		path string
		want int
	}{
		{"/verify/prescription/abc", http.StatusOK},
		{"/health", http.StatusOK},
		{"/api/v1/prescriptions", http.StatusBadRequest},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.path, nil)
		rec := httptest.NewRecorder()
		err := h(e.NewContext(req, rec))
		code := rec.Code
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
		}
		if code != tt.want {
			t.Errorf("%s: got %d, want %d", tt.path, code, tt.want)
		}
	}
}

func TestAuthMiddleware_Development(t *testing.T) {
	cfg := &config.Config{Env: "development", DefaultClinic: "00000000-0000-4000-8000-000000000001"}
	e := echo.New()
	e.Use(authMiddleware(cfg, zerolog.Nop())...)
	e.GET("/api/v1/whoami", func(c echo.Context) error {
		return c.String(http.StatusOK, auth.UserIDFromContext(c.Request().Context()))
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/whoami", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != auth.DevUserID {
		t.Fatalf("anonymous dev request: %d %q", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/whoami", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad bearer token in development: got %d, want 401", rec.Code)
	}
}

func TestAuthMiddleware_SharedRejectsAnonymous(t *testing.T) {
	cfg := &config.Config{Env: "production", AuthSigningKey: strings.Repeat("k", 32)}
	e := echo.New()
	e.Use(authMiddleware(cfg, zerolog.Nop())...)
	e.GET("/api/v1/prescriptions", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/health", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/prescriptions", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous api request: got %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health should stay public, got %d", rec.Code)
	}
}

func TestOpenBlobStore(t *testing.T) {
	s, closeFn, err := openBlobStore(&config.Config{BlobBackend: config.BlobMemory}, nil)
	if err != nil {
		t.Fatal(err)
	}
	closeFn()
	if _, ok := s.(*blobstore.InMemoryBlobStore); !ok {
		t.Errorf("memory backend: got %T", s)
	}

	s, closeFn, err = openBlobStore(&config.Config{
		BlobBackend:     config.BlobLevelDB,
		BlobLevelDBPath: filepath.Join(t.TempDir(), "docs"),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()
	if _, ok := s.(*blobstore.LevelDBBlobStore); !ok {
		t.Errorf("leveldb backend: got %T", s)
	}
}

func TestRateLimitConfig(t *testing.T) {
	rl := rateLimitConfig(&config.Config{})
	if rl.RequestsPerSecond != 100 || rl.BurstSize != 200 {
		t.Errorf("defaults not applied: %+v", rl)
	}
	rl = rateLimitConfig(&config.Config{RateLimitRPS: 5, RateLimitBurst: 10})
	if rl.RequestsPerSecond != 5 || rl.BurstSize != 10 {
		t.Errorf("overrides not applied: %+v", rl)
	}
}

func selfSignedPEM(t *testing.T, cn string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func TestParseCertificatePEM(t *testing.T) {
	keyBlock := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: []byte{1}})
	raw := append(keyBlock, selfSignedPEM(t, "Dra. Ana Souza")...)

	cert, err := parseCertificatePEM(raw)
	if err != nil {
		t.Fatal(err)
	}
	if cert.Subject.CommonName != "Dra. Ana Souza" {
		t.Errorf("unexpected subject %q", cert.Subject.CommonName)
	}

	if _, err := parseCertificatePEM([]byte("not pem")); err == nil {
		t.Error("expected error without a certificate block")
	}
}

func TestOwnerRecord(t *testing.T) {
	cert, err := parseCertificatePEM(selfSignedPEM(t, "Dr. Bruno Lima"))
	if err != nil {
		t.Fatal(err)
	}
	o := owner{clinic: uuid.NewString(), user: uuid.NewString(), registration: "CRM-RJ 654321"}
	rec, err := o.record(signing.KindRemote, cert)
	if err != nil {
		t.Fatal(err)
	}
	if rec.DisplayName != "Dr. Bruno Lima" || rec.Kind != signing.KindRemote || rec.Status != signing.StatusActive {
		t.Errorf("unexpected record %+v", rec)
	}

	o.user = "nobody"
	if _, err := o.record(signing.KindRemote, cert); err == nil {
		t.Error("expected error for a malformed user id")
	}
}

func TestPrintCredentials(t *testing.T) {
	var buf bytes.Buffer
	printCredentials(&buf, []*signing.Record{{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		Kind:        signing.KindSealed,
		Status:      signing.StatusActive,
		DisplayName: "Dra. Ana Souza",
		NotAfter:    time.Date(2027, 1, 31, 0, 0, 0, 0, time.UTC),
	}})
	out := buf.String()
	for _, want := range []string{"KIND", "sealed", "2027-01-31", "Dra. Ana Souza"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSecrets_Read(t *testing.T) {
	cmd := credentialSealCmd()
	cmd.SetIn(strings.NewReader("bundle-pass\r\n4321\n"))
	var prompts bytes.Buffer
	cmd.SetErr(&prompts)

	sec := newSecrets(cmd)
	pass, err := sec.read("PRONTIVUS_TEST_UNSET_PASSWORD", "Bundle password")
	if err != nil || pass != "bundle-pass" {
		t.Fatalf("password = %q, %v", pass, err)
	}
	pin, err := sec.read("PRONTIVUS_TEST_UNSET_PIN", "Signing PIN")
	if err != nil || pin != "4321" {
		t.Fatalf("pin = %q, %v", pin, err)
	}
	if !strings.Contains(prompts.String(), "PRONTIVUS_TEST_UNSET_PIN") {
		t.Errorf("prompt should name the environment variable: %q", prompts.String())
	}
	if _, err := sec.read("PRONTIVUS_TEST_UNSET_PIN", "Signing PIN"); err == nil {
		t.Error("expected error once stdin is exhausted")
	}

	t.Setenv(envSigningPIN, "9876")
	pin, err = newSecrets(cmd).read(envSigningPIN, "Signing PIN")
	if err != nil || pin != "9876" {
		t.Fatalf("pin from env = %q, %v", pin, err)
	}
}

func TestCredentialCmds_NoSecretFlags(t *testing.T) {
	for _, cmd := range []*cobra.Command{credentialImportCmd(), credentialSealCmd()} {
		for _, name := range []string{"password", "pin"} {
			if cmd.Flags().Lookup(name) != nil {
				t.Errorf("%s: secret flag --%s must not exist", cmd.Name(), name)
			}
		}
	}
}
