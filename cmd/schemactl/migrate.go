package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"schema-migrator/internal/infra"
	"schema-migrator/internal/repository"
	"schema-migrator/internal/usecase"
)

// newService は設定からMigrationServiceを初期化する。
// withDBがfalseの場合はDBに接続しない（createのみで使用）。
func newService(ctx context.Context, cmd *cobra.Command, withDB bool) (*usecase.MigrationService, func(), error) {
	logger := infra.SetupLogger(cmd.ErrOrStderr(), cfg, infra.ParseLogLevel(cfg.LogLevel))

	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init tracer: %w", err)
	}
	cleanup := func() {
		if tp != nil {
			if err := tp.Shutdown(ctx); err != nil {
				logger.Error("failed to shutdown tracer", "error", err)
			}
		}
	}

	// 絶対パスに変換
	absPath, err := filepath.Abs(cfg.MigrationsDir)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to resolve migrations directory: %w", err)
	}

	var db *gorm.DB
	if withDB {
		db, err = infra.OpenDatabase(ctx, cfg)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
	}

	versions := repository.NewVersionRepository(db, cfg.VersionTable, logger)
	service := usecase.NewMigrationService(
		repository.NewFileRepository(absPath, logger),
		db,
		func(tx *gorm.DB) usecase.VersionStore {
			return versions.WithTx(tx)
		},
		usecase.Options{TxPerStep: cfg.TxPerStep, Logger: logger},
	)

	return service, cleanup, nil
}

func upCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Long:  "Apply all migrations newer than the current schema version, in ascending version order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			service, cleanup, err := newService(ctx, cmd, true)
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := service.Migrate(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(result.Executed) == 0 {
				fmt.Fprintf(out, "No new migrations, db at version %s.\n", result.ToVersion)
			} else {
				fmt.Fprintf(out, "Applied %d migration(s), db now at version %s.\n", len(result.Executed), result.ToVersion)
			}
			return nil
		},
	}
}

func rollbackCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Roll back migrations",
		Long: "Roll back migrations in descending version order down to (but excluding) --to. " +
			"Without --to, only the migrations at the latest applied version are rolled back.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			service, cleanup, err := newService(ctx, cmd, true)
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := service.Rollback(ctx, target)
			if err != nil {
				return fmt.Errorf("rollback failed: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(result.Executed) == 0 {
				fmt.Fprintf(out, "No migrations to rollback, db at version %s.\n", result.ToVersion)
			} else {
				fmt.Fprintf(out, "Rolled back %d migration(s), db now at version %s.\n", len(result.Executed), result.ToVersion)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "Target version to roll back to (exclusive)")
	return cmd
}

func createCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create [name]",
		Short: "Create a new migration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			service, cleanup, err := newService(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer cleanup()

			name := ""
			if len(args) == 1 {
				name = args[0]
			}

			filename, err := service.Create(ctx, name)
			if err != nil {
				return fmt.Errorf("failed to create migration: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Created migration: %s\n", filename)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		Long:  "Show the status of all migrations (applied/pending) relative to the current version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			service, cleanup, err := newService(ctx, cmd, true)
			if err != nil {
				return err
			}
			defer cleanup()

			migrations, current, err := service.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			// テーブル形式で出力
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintf(w, "Current version: %s\n\n", current)
			fmt.Fprintln(w, "VERSION\tNAME\tSTATUS")
			fmt.Fprintln(w, "-------\t----\t------")
			for _, m := range migrations {
				fmt.Fprintf(w, "%s\t%s\t%s\n", m.Version, m.Name, m.Status)
			}

			if err := w.Flush(); err != nil {
				return fmt.Errorf("failed to flush output: %w", err)
			}
			return nil
		},
	}
}

// encryptDSNCmd は接続文字列をKMSで暗号化し、DATABASE_URL_CIPHERTEXT用の値を出力する。
func encryptDSNCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt-dsn",
		Short: "Encrypt a database URL read from stdin with Cloud KMS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			input, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("reading database url: %w", err)
			}
			dsn := strings.TrimSpace(string(input))
			if dsn == "" {
				return fmt.Errorf("database url is empty")
			}

			kmsClient, err := infra.NewKMSClient(ctx, cfg.KMSKeyName)
			if err != nil {
				return err
			}
			defer kmsClient.Close()

			ciphertext, err := kmsClient.Encrypt(ctx, []byte(dsn))
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(ciphertext))
			return nil
		},
	}
}
