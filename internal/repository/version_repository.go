// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"fmt"
	"log/slog"

	"schema-migrator/internal/domain"

	"gorm.io/gorm"
)

// DefaultVersionTable は制御テーブルのデフォルト名。アプリケーションのスキーマでは使用しないこと。
const DefaultVersionTable = "_schema_version"

// VersionModel は制御テーブルのモデル。常に1行のみ存在する。
type VersionModel struct {
	Version string `gorm:"column:version;type:varchar(255);not null"`
}

// VersionRepository は現在のスキーマバージョンを制御テーブルに保存するリポジトリ。
type VersionRepository struct {
	db     *gorm.DB
	table  string
	logger *slog.Logger
}

// NewVersionRepository は新しいVersionRepositoryを生成する。
// tableが空の場合はDefaultVersionTableを、loggerがnilの場合はslog.Default()を使用する。
func NewVersionRepository(db *gorm.DB, table string, logger *slog.Logger) *VersionRepository {
	if table == "" {
		table = DefaultVersionTable
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &VersionRepository{db: db, table: table, logger: logger}
}

// WithTx はトランザクションに紐づいたVersionRepositoryを返す。
func (r *VersionRepository) WithTx(tx *gorm.DB) *VersionRepository {
	return &VersionRepository{db: tx, table: r.table, logger: r.logger}
}

// GetVersion は現在のバージョンを取得する。制御テーブルが無ければ作成する。
func (r *VersionRepository) GetVersion(ctx context.Context) (domain.Version, error) {
	if err := r.ensureTable(ctx); err != nil {
		return "", err
	}

	var rows []VersionModel
	if err := r.db.WithContext(ctx).Table(r.table).Limit(1).Find(&rows).Error; err != nil {
		r.logger.ErrorContext(ctx, "failed to read schema version",
			"operation", "get_version",
			"table", r.table,
			"error", err,
		)
		return "", fmt.Errorf("failed to read schema version: %w", err)
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("%w: table %s has no rows", domain.ErrVersionPersist, r.table)
	}

	return domain.ParseVersion(rows[0].Version)
}

// SetVersion はバージョンを更新する。更新行数が1以外の場合はErrVersionPersistを返す。
func (r *VersionRepository) SetVersion(ctx context.Context, version domain.Version) error {
	if err := r.ensureTable(ctx); err != nil {
		return err
	}

	result := r.db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Table(r.table).
		Update("version", version.String())
	if result.Error != nil {
		r.logger.ErrorContext(ctx, "failed to update schema version",
			"operation", "set_version",
			"version", version,
			"error", result.Error,
		)
		return fmt.Errorf("failed to update schema version: %w", result.Error)
	}
	if result.RowsAffected != 1 {
		r.logger.ErrorContext(ctx, "unexpected rows affected on version update",
			"operation", "set_version",
			"version", version,
			"rows_affected", result.RowsAffected,
		)
		return fmt.Errorf("%w: %s (rows affected: %d)", domain.ErrVersionPersist, version, result.RowsAffected)
	}

	return nil
}

// ensureTable は制御テーブルの存在を確認し、無ければ初期バージョンで作成する。
func (r *VersionRepository) ensureTable(ctx context.Context) error {
	db := r.db.WithContext(ctx)
	if db.Migrator().HasTable(r.table) {
		return nil
	}

	r.logger.InfoContext(ctx, "creating schema version table",
		"operation", "ensure_table",
		"table", r.table,
	)
	if err := db.Table(r.table).Migrator().CreateTable(&VersionModel{}); err != nil {
		r.logger.ErrorContext(ctx, "failed to create schema version table",
			"operation", "ensure_table",
			"table", r.table,
			"error", err,
		)
		return fmt.Errorf("failed to create schema version table: %w", err)
	}

	seed := &VersionModel{Version: domain.InitialVersion.String()}
	if err := db.Table(r.table).Create(seed).Error; err != nil {
		return fmt.Errorf("failed to seed schema version table: %w", err)
	}

	return nil
}
