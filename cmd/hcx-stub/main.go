package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/ehr/hcx/internal/config"
	"github.com/ehr/hcx/internal/platform/db"
	"github.com/ehr/hcx/internal/platform/envelope"
	"github.com/ehr/hcx/internal/platform/exchange"
	"github.com/ehr/hcx/internal/platform/protocol"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "hcx-stub",
		Short:        "Claims exchange participant stub (payer or provider)",
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(keysCmd(afero.NewOsFs()))
	root.AddCommand(sendCmd())
	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the participant server",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrate, _ := cmd.Flags().GetBool("migrate")
			return runServer(migrate)
		},
	}
	cmd.Flags().Bool("migrate", false, "Apply pending migrations before serving")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			migrator, closeFn, err := openMigrator(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Running migrations on schema: %s\n", schema)
			count, err := migrator.Up(cmd.Context(), schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(out, "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", db.DefaultSchema, "Target schema for migrations")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			migrator, closeFn, err := openMigrator(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(cmd.Context(), schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd, schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", db.DefaultSchema, "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

func openMigrator(ctx context.Context) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required for migrations")
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: "hcx-stub-migrate",
	})
	if err != nil {
		return nil, nil, err
	}
	return db.NewEmbeddedMigrator(pool), pool.Close, nil
}

func printMigrationStatus(cmd *cobra.Command, schema string, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// keysCmd writes a self-signed certificate and PKCS#8 key for a
// participant code. fs is the filesystem the files land on.
func keysCmd(fs afero.Fs) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage participant encryption keys",
	}

	genCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a certificate and private key",
		RunE: func(cmd *cobra.Command, args []string) error {
			code, _ := cmd.Flags().GetString("code")
			dir, _ := cmd.Flags().GetString("out")
			bits, _ := cmd.Flags().GetInt("bits")
			days, _ := cmd.Flags().GetInt("days")
			if code == "" {
				return fmt.Errorf("--code is required")
			}
			if days < 1 {
				return fmt.Errorf("--days must be at least 1")
			}

			certPEM, keyPEM, err := envelope.GenerateKeyPair(code, bits, time.Duration(days)*24*time.Hour)
			if err != nil {
				return err
			}
			if err := fs.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			certPath := filepath.Join(dir, code+".pem")
			keyPath := filepath.Join(dir, code+".key")
			if err := afero.WriteFile(fs, certPath, certPEM, 0o644); err != nil {
				return err
			}
			if err := afero.WriteFile(fs, keyPath, keyPEM, 0o600); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote certificate %s\n", certPath)
			fmt.Fprintf(out, "Wrote private key %s\n", keyPath)
			return nil
		},
	}
	genCmd.Flags().String("code", "", "Participant code used as the certificate common name")
	genCmd.Flags().String("out", "keys", "Output directory")
	genCmd.Flags().Int("bits", envelope.DefaultKeyBits, "RSA key size")
	genCmd.Flags().Int("days", 365, "Certificate validity in days")
	cmd.AddCommand(genCmd)

	return cmd
}

// sendCmd originates one exchange from a FHIR bundle file. With a
// database configured, a running server of the same participant matches
// the callback.
func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <workflow> <file>",
		Short: "Send a request for a workflow",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, ok := protocol.LookupWorkflow(args[0]); !ok {
				return fmt.Errorf("unknown workflow %q", args[0])
			}
			payload, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			if !json.Valid(payload) {
				return fmt.Errorf("%s is not valid JSON", args[1])
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.ValidateIdentity(); err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, newLogger(cfg.Env))
			if err != nil {
				return err
			}
			defer a.Close()

			req := exchange.SendRequest{Workflow: args[0], Payload: payload}
			req.RecipientCode, _ = cmd.Flags().GetString("recipient")
			req.BusinessKey, _ = cmd.Flags().GetString("business-key")
			req.Headers.WorkflowID, _ = cmd.Flags().GetString("workflow-id")

			res, sendErr := a.dispatcher.Send(cmd.Context(), req)
			if res != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return err
				}
			}
			return sendErr
		},
	}
	cmd.Flags().String("recipient", "", "Recipient participant code (defaults to COUNTERPART_CODE)")
	cmd.Flags().String("business-key", "", "Idempotency key (defaults to the primary resource reference)")
	cmd.Flags().String("workflow-id", "", "x-hcx-workflow_id header")
	return cmd
}
