package main

import (
	"bufio"
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/prontivus/prontivus/internal/config"
	"github.com/prontivus/prontivus/internal/platform/db"
	"github.com/prontivus/prontivus/internal/platform/signing"
)

func connect(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
}

func credentialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage doctors' signing credentials",
	}
	cmd.AddCommand(credentialImportCmd())
	cmd.AddCommand(credentialSealCmd())
	cmd.AddCommand(credentialRemoteCmd())
	cmd.AddCommand(credentialListCmd())
	cmd.AddCommand(credentialDisableCmd())
	return cmd
}

// owner holds the flags every registering command shares.
type owner struct {
	clinic       string
	user         string
	name         string
	registration string
}

func (o *owner) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.clinic, "clinic", "", "Clinic id (required)")
	cmd.Flags().StringVar(&o.user, "user", "", "Doctor's user id (required)")
	cmd.Flags().StringVar(&o.name, "name", "", "Display name printed on prescriptions (defaults to the certificate CN)")
	cmd.Flags().StringVar(&o.registration, "registration", "", "Professional registration, e.g. CRM-SP 123456")
	_ = cmd.MarkFlagRequired("clinic")
	_ = cmd.MarkFlagRequired("user")
}

func (o *owner) record(kind signing.Kind, cert *x509.Certificate) (*signing.Record, error) {
	clinicID, err := uuid.Parse(o.clinic)
	if err != nil {
		return nil, fmt.Errorf("--clinic: %w", err)
	}
	userID, err := uuid.Parse(o.user)
	if err != nil {
		return nil, fmt.Errorf("--user: %w", err)
	}
	return signing.NewRecord(clinicID, userID, kind, o.name, o.registration, cert), nil
}

// Environment variables read before falling back to stdin.
const (
	envBundlePassword = "PRONTIVUS_BUNDLE_PASSWORD"
	envSigningPIN     = "PRONTIVUS_SIGNING_PIN"
)

// secrets reads passwords from the environment or, one per line, from stdin,
// so they never appear in the process list or shell history.
type secrets struct {
	in     *bufio.Reader
	prompt io.Writer
}

func newSecrets(cmd *cobra.Command) *secrets {
	return &secrets{in: bufio.NewReader(cmd.InOrStdin()), prompt: cmd.ErrOrStderr()}
}

func (s *secrets) read(env, label string) (string, error) {
	if v, ok := os.LookupEnv(env); ok {
		return v, nil
	}
	fmt.Fprintf(s.prompt, "%s (or set %s): ", label, env)
	line, err := s.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read %s: %w", strings.ToLower(label), err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func storeRecord(cmd *cobra.Command, rec *signing.Record) error {
	ctx := cmd.Context()
	pool, err := connect(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := signing.NewPGStore(pool).Create(ctx, rec); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Registered %s credential %s for %s (valid until %s)\n",
		rec.Kind, rec.ID, rec.DisplayName, rec.NotAfter.Format("2006-01-02"))
	return nil
}

func credentialImportCmd() *cobra.Command {
	var (
		o    owner
		file string
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Store a PKCS#12 bundle; its password becomes the signing PIN",
		Long: "Store a PKCS#12 bundle; its password becomes the signing PIN.\n\n" +
			"The bundle password is read from " + envBundlePassword + " or from stdin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			password, err := newSecrets(cmd).read(envBundlePassword, "Bundle password")
			if err != nil {
				return err
			}
			// Decode once so a wrong password fails here and not at sign time.
			_, cert, err := signing.DecodePKCS12(bundle, password)
			if err != nil {
				return err
			}
			rec, err := o.record(signing.KindPKCS12, cert)
			if err != nil {
				return err
			}
			rec.KeyMaterial = bundle
			return storeRecord(cmd, rec)
		},
	}
	o.bind(cmd)
	cmd.Flags().StringVar(&file, "file", "", "Path to the .p12/.pfx bundle (required)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func credentialSealCmd() *cobra.Command {
	var (
		o    owner
		file string
	)
	cmd := &cobra.Command{
		Use:   "seal",
		Short: "Re-wrap a PKCS#12 key under a signing PIN",
		Long: "Re-wrap a PKCS#12 key under a signing PIN.\n\n" +
			"The bundle password and the PIN are read from " + envBundlePassword + " and " +
			envSigningPIN + ", or one per line from stdin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			sec := newSecrets(cmd)
			password, err := sec.read(envBundlePassword, "Bundle password")
			if err != nil {
				return err
			}
			pin, err := sec.read(envSigningPIN, "Signing PIN")
			if err != nil {
				return err
			}
			if len(pin) < 4 {
				return errors.New("signing PIN must be at least 4 characters")
			}
			key, cert, err := signing.DecodePKCS12(bundle, password)
			if err != nil {
				return err
			}
			sealed, err := signing.SealKey(key, pin, signing.DefaultSealParams)
			if err != nil {
				return err
			}
			rec, err := o.record(signing.KindSealed, cert)
			if err != nil {
				return err
			}
			rec.KeyMaterial = sealed
			return storeRecord(cmd, rec)
		},
	}
	o.bind(cmd)
	cmd.Flags().StringVar(&file, "file", "", "Path to the .p12/.pfx bundle (required)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func credentialRemoteCmd() *cobra.Command {
	var (
		o      owner
		file   string
		keyRef string
	)
	cmd := &cobra.Command{
		Use:   "register-remote",
		Short: "Register a key held by the remote signer, by reference",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			cert, err := parseCertificatePEM(raw)
			if err != nil {
				return err
			}
			rec, err := o.record(signing.KindRemote, cert)
			if err != nil {
				return err
			}
			rec.KeyRef = keyRef
			return storeRecord(cmd, rec)
		},
	}
	o.bind(cmd)
	cmd.Flags().StringVar(&file, "cert", "", "Path to the PEM certificate of the remote key (required)")
	cmd.Flags().StringVar(&keyRef, "key-ref", "", "Key reference understood by the remote signer (required)")
	_ = cmd.MarkFlagRequired("cert")
	_ = cmd.MarkFlagRequired("key-ref")
	return cmd
}

func parseCertificatePEM(raw []byte) (*x509.Certificate, error) {
	for {
		var block *pem.Block
		block, raw = pem.Decode(raw)
		if block == nil {
			return nil, errors.New("no CERTIFICATE block found")
		}
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}
}

func credentialListCmd() *cobra.Command {
	var clinic string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a clinic's signing credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			clinicID, err := uuid.Parse(clinic)
			if err != nil {
				return fmt.Errorf("--clinic: %w", err)
			}
			ctx := cmd.Context()
			pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			recs, err := signing.NewPGStore(pool).ListByClinic(ctx, clinicID)
			if err != nil {
				return err
			}
			printCredentials(cmd.OutOrStdout(), recs)
			return nil
		},
	}
	cmd.Flags().StringVar(&clinic, "clinic", "", "Clinic id (required)")
	_ = cmd.MarkFlagRequired("clinic")
	return cmd
}

func printCredentials(out io.Writer, recs []*signing.Record) {
	fmt.Fprintf(out, "%-36s %-36s %-7s %-9s %-10s %s\n", "ID", "USER", "KIND", "STATUS", "NOT AFTER", "NAME")
	for _, r := range recs {
		fmt.Fprintf(out, "%-36s %-36s %-7s %-9s %-10s %s\n",
			r.ID, r.UserID, r.Kind, r.Status, r.NotAfter.Format("2006-01-02"), r.DisplayName)
	}
}

func credentialDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <credential-id>",
		Short: "Disable a signing credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := signing.NewPGStore(pool).SetStatus(ctx, id, signing.StatusDisabled); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Credential %s disabled\n", id)
			return nil
		},
	}
}
