package repository

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"schema-migrator/internal/domain"
	"schema-migrator/internal/parser"
)

var migrationFileNameRegex = regexp.MustCompile(`^\d+_`)

// FileRepository はmigrationsディレクトリ上のSQLファイルを扱うリポジトリ。
type FileRepository struct {
	dir    string
	logger *slog.Logger
}

// NewFileRepository は新しいFileRepositoryを生成する。loggerがnilの場合はslog.Default()を使用する。
func NewFileRepository(dir string, logger *slog.Logger) *FileRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileRepository{dir: dir, logger: logger}
}

// VersionOf はファイル名からバージョンを抽出する。
// ファイル名のフォーマット: {version}_{name}.sql (例: 001_create_users.sql)
func VersionOf(filename string) (domain.Version, error) {
	if !migrationFileNameRegex.MatchString(filename) {
		return "", &domain.FormatError{Path: filename, Msg: "invalid migration filename"}
	}
	return domain.Version(filename[:strings.Index(filename, "_")]), nil
}

// List はmigrationsディレクトリの.sqlファイルを列挙する。
// 返却順は保証しない。ファイル名が不正なものが1つでもあればエラーを返す。
func (r *FileRepository) List(ctx context.Context) ([]*domain.Migration, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to read migrations directory",
			"operation", "list_migrations",
			"dir", r.dir,
			"error", err,
		)
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	migrations := make([]*domain.Migration, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := VersionOf(entry.Name())
		if err != nil {
			return nil, err
		}

		migrations = append(migrations, &domain.Migration{
			Version:  version,
			Name:     entry.Name(),
			FilePath: filepath.Join(r.dir, entry.Name()),
			Status:   domain.MigrationStatusPending,
		})
	}

	return migrations, nil
}

// ReadScript はマイグレーションファイルを読み込んで解析する。
func (r *FileRepository) ReadScript(ctx context.Context, migration *domain.Migration) (*domain.MigrationScript, error) {
	contents, err := os.ReadFile(migration.FilePath)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to read migration file",
			"operation", "read_script",
			"version", migration.Version,
			"file_path", migration.FilePath,
			"error", err,
		)
		return nil, fmt.Errorf("failed to read migration file: %w", err)
	}
	return parser.Parse(migration.FilePath, contents)
}

// Create は新しいマイグレーションファイルを書き込む。既に存在する場合はエラー。
func (r *FileRepository) Create(ctx context.Context, filename string, contents []byte) (string, error) {
	if _, err := VersionOf(filename); err != nil {
		return "", err
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create migrations directory: %w", err)
	}

	path := filepath.Join(r.dir, filename)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("migration file already exists: %s", filename)
		}
		return "", fmt.Errorf("failed to create migration file: %w", err)
	}

	if _, err := f.Write(contents); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("failed to write migration file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close migration file: %w", err)
	}

	return path, nil
}
