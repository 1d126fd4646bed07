// Package main はマイグレーションCLIのエントリポイント。
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"schema-migrator/config"
)

const version = "1.0.0"

var (
	migrationsDir string
	versionTable  string
	txPerStep     bool
)

// cfg はPersistentPreRunで読み込まれる設定。
var cfg *config.Config

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "schemactl",
		Short:        "Sequential SQL schema migration tool",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// .envファイルを読み込む（存在しない場合は無視）
			_ = godotenv.Load()

			cfg = config.Load()
			if cmd.Flags().Changed("dir") {
				cfg.MigrationsDir = migrationsDir
			}
			if cmd.Flags().Changed("table") {
				cfg.VersionTable = versionTable
			}
			if cmd.Flags().Changed("tx-per-step") {
				cfg.TxPerStep = txPerStep
			}
		},
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&migrationsDir, "dir", "./migrations", "Migrations directory (or set MIGRATIONS_DIR)")
	rootCmd.PersistentFlags().StringVar(&versionTable, "table", "_schema_version", "Version control table (or set VERSION_TABLE)")
	rootCmd.PersistentFlags().BoolVar(&txPerStep, "tx-per-step", true, "Run each migration step in its own transaction (or set MIGRATION_TX_PER_STEP)")

	// サブコマンド登録
	rootCmd.AddCommand(upCmd())
	rootCmd.AddCommand(rollbackCmd())
	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(encryptDSNCmd())
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "schemactl version %s\n", version)
		},
	}
}
