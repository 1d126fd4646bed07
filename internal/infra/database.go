// Package infra は外部サービスとの接続を提供する。
package infra

import (
	"fmt"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"schema-migrator/config"
)

// サポートするデータベースドライバ
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// NewDB はgormによるデータベース接続を初期化する。
func NewDB(dsn string, cfg *config.Config) (*gorm.DB, error) {
	driver := DetectDriver(cfg.DatabaseDriver, dsn)
	dialector, err := newDialector(driver, dsn)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if cfg.OtelEnabled {
		if err := db.Use(tracing.NewPlugin()); err != nil {
			return nil, fmt.Errorf("registering gorm tracing plugin: %w", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// 接続プール設定
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	return db, nil
}

// DetectDriver はドライバ名を決定する。明示されていなければDSNの形式から推測する。
func DetectDriver(driver, dsn string) string {
	if driver != "" {
		return strings.ToLower(driver)
	}
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return DriverPostgres
	case strings.HasPrefix(dsn, "file:"), dsn == ":memory:",
		strings.HasSuffix(dsn, ".db"), strings.HasSuffix(dsn, ".sqlite"), strings.HasSuffix(dsn, ".sqlite3"):
		return DriverSQLite
	default:
		return DriverMySQL
	}
}

func newDialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case DriverMySQL:
		mysqlDSN, err := prepareMySQLDSN(dsn)
		if err != nil {
			return nil, err
		}
		return mysql.Open(mysqlDSN), nil
	case DriverPostgres, "postgresql":
		// 引数なしのExecで複数文を送れるよう simple protocol を使う
		return postgres.New(postgres.Config{DSN: dsn, PreferSimpleProtocol: true}), nil
	case DriverSQLite, "sqlite3":
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

// prepareMySQLDSN はマイグレーション実行に必要なパラメータをMySQLのDSNに付与する。
// multiStatements: 1ファイルに複数のSQL文を書けるようにする。
// clientFoundRows: 同じ値でのUPDATEでも一致行数を返させる（バージョン更新の行数チェック用）。
func prepareMySQLDSN(dsn string) (string, error) {
	c, err := gomysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parsing mysql dsn: %w", err)
	}
	c.MultiStatements = true
	c.ClientFoundRows = true
	return c.FormatDSN(), nil
}
