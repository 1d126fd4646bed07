package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"schema-migrator/internal/domain"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const (
	opMigrate  = "migrate"
	opRollback = "rollback"
)

// migrationTemplate は新規マイグレーションファイルの雛形。
const migrationTemplate = "-- up -------\n\n-- down -----\n\n"

var (
	tracer = otel.Tracer("schema-migrator/internal/usecase")

	nonSlugChars = regexp.MustCompile(`[^a-z0-9_]+`)
)

// MigrationSource はマイグレーションファイルを提供するリポジトリのインターフェース。
type MigrationSource interface {
	List(ctx context.Context) ([]*domain.Migration, error)
	ReadScript(ctx context.Context, migration *domain.Migration) (*domain.MigrationScript, error)
	Create(ctx context.Context, filename string, contents []byte) (string, error)
}

// VersionStore は現在のスキーマバージョンを保存するリポジトリのインターフェース。
type VersionStore interface {
	GetVersion(ctx context.Context) (domain.Version, error)
	SetVersion(ctx context.Context, version domain.Version) error
}

// VersionStoreFunc は指定されたDB（またはトランザクション）に紐づくVersionStoreを返す。
type VersionStoreFunc func(db *gorm.DB) VersionStore

// Options はMigrationServiceの動作設定。
type Options struct {
	// TxPerStep がtrueの場合、各ステップのSQL実行とバージョン更新を1トランザクションで行う。
	// 複数ステップをまたぐトランザクションは張らない。
	TxPerStep bool
	Logger    *slog.Logger
	Now       func() time.Time
}

// MigrationService はマイグレーションの適用・ロールバックを提供する。
type MigrationService struct {
	files     MigrationSource
	versions  VersionStoreFunc
	db        *gorm.DB
	txPerStep bool
	logger    *slog.Logger
	now       func() time.Time
}

// NewMigrationService は新しいMigrationServiceを生成する。
func NewMigrationService(files MigrationSource, db *gorm.DB, versions VersionStoreFunc, opts Options) *MigrationService {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &MigrationService{
		files:     files,
		versions:  versions,
		db:        db,
		txPerStep: opts.TxPerStep,
		logger:    logger,
		now:       now,
	}
}

// CurrentVersion は制御テーブルに保存された現在のバージョンを返す。
func (s *MigrationService) CurrentVersion(ctx context.Context) (domain.Version, error) {
	return s.versions(s.db).GetVersion(ctx)
}

// Migrate は現在のバージョンより新しいマイグレーションを昇順に適用する。
// 各ステップ成功後にそのファイルのバージョンを保存し、最初のエラーで中断する。
// 中断時も適用済みステップの結果は返却される。
func (s *MigrationService) Migrate(ctx context.Context) (*domain.RunResult, error) {
	runID := uuid.NewString()
	logger := s.logger.With("run_id", runID, "operation", opMigrate)

	ctx, span := tracer.Start(ctx, "MigrationService.Migrate",
		trace.WithAttributes(attribute.String("migration.run_id", runID)))
	defer span.End()

	all, err := s.files.List(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "failed to list migration files", "error", err)
		return nil, recordError(span, err)
	}

	current, err := s.versions(s.db).GetVersion(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "failed to get current version", "error", err)
		return nil, recordError(span, err)
	}

	var pending []*domain.Migration
	for _, m := range all {
		if current.Less(m.Version) {
			pending = append(pending, m)
		}
	}

	result := &domain.RunResult{FromVersion: current, ToVersion: current}
	if len(pending) == 0 {
		logger.InfoContext(ctx, "no new migrations", "version", current)
		return result, nil
	}

	domain.SortAscending(pending)
	for _, m := range pending {
		logger.InfoContext(ctx, "running migration", "version", m.Version, "name", m.Name)

		script, err := s.files.ReadScript(ctx, m)
		if err != nil {
			logger.ErrorContext(ctx, "failed to read migration", "version", m.Version, "error", err)
			return result, recordError(span, err)
		}

		if err := s.runStep(ctx, opMigrate, m, script.Up, m.Version); err != nil {
			logger.ErrorContext(ctx, "failed to apply migration", "version", m.Version, "error", err)
			return result, recordError(span, err)
		}

		m.Status = domain.MigrationStatusApplied
		result.ToVersion = m.Version
		result.Executed = append(result.Executed, m)
	}

	span.SetAttributes(attribute.String("migration.version", result.ToVersion.String()))
	logger.InfoContext(ctx, "db now at version", "version", result.ToVersion, "applied", len(result.Executed))
	return result, nil
}

// Rollback は target より大きく現在のバージョン以下のマイグレーションを降順に戻す。
// targetが空の場合は、現在のバージョン未満で最大のバージョン（無ければ "0"）を対象とする。
// 各ステップ後に保存されるのは個々のバージョンではなく最終的な target である。
func (s *MigrationService) Rollback(ctx context.Context, target string) (*domain.RunResult, error) {
	runID := uuid.NewString()
	logger := s.logger.With("run_id", runID, "operation", opRollback)

	ctx, span := tracer.Start(ctx, "MigrationService.Rollback",
		trace.WithAttributes(attribute.String("migration.run_id", runID)))
	defer span.End()

	var explicit domain.Version
	if target != "" {
		v, err := domain.ParseVersion(target)
		if err != nil {
			return nil, recordError(span, err)
		}
		explicit = v
	}

	all, err := s.files.List(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "failed to list migration files", "error", err)
		return nil, recordError(span, err)
	}

	current, err := s.versions(s.db).GetVersion(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "failed to get current version", "error", err)
		return nil, recordError(span, err)
	}

	resolved := explicit
	if resolved == "" {
		resolved = previousVersion(all, current)
	}
	span.SetAttributes(attribute.String("migration.target", resolved.String()))

	var targets []*domain.Migration
	for _, m := range all {
		if resolved.Less(m.Version) && m.Version.Compare(current) <= 0 {
			targets = append(targets, m)
		}
	}

	result := &domain.RunResult{FromVersion: current, ToVersion: current}
	if len(targets) == 0 {
		logger.InfoContext(ctx, "no migrations to rollback", "version", current)
		return result, nil
	}

	domain.SortDescending(targets)
	for _, m := range targets {
		logger.InfoContext(ctx, "rolling back migration", "version", m.Version, "name", m.Name, "target", resolved)

		script, err := s.files.ReadScript(ctx, m)
		if err != nil {
			logger.ErrorContext(ctx, "failed to read migration", "version", m.Version, "error", err)
			return result, recordError(span, err)
		}

		if err := s.runStep(ctx, opRollback, m, script.Down, resolved); err != nil {
			logger.ErrorContext(ctx, "failed to rollback migration", "version", m.Version, "error", err)
			return result, recordError(span, err)
		}

		m.Status = domain.MigrationStatusPending
		result.ToVersion = resolved
		result.Executed = append(result.Executed, m)
	}

	logger.InfoContext(ctx, "db now at version", "version", resolved, "reverted", len(result.Executed))
	return result, nil
}

// previousVersion はcurrent未満で最大のバージョンを返す。無ければInitialVersion。
func previousVersion(migrations []*domain.Migration, current domain.Version) domain.Version {
	prev := domain.InitialVersion
	for _, m := range migrations {
		if prev.Less(m.Version) && m.Version.Less(current) {
			prev = m.Version
		}
	}
	return prev
}

// runStep は1ステップ分のSQLを実行し、persistをバージョンとして保存する。
func (s *MigrationService) runStep(ctx context.Context, op string, m *domain.Migration, script string, persist domain.Version) error {
	ctx, span := tracer.Start(ctx, "MigrationService."+op+"Step",
		trace.WithAttributes(
			attribute.String("migration.name", m.Name),
			attribute.String("migration.version", m.Version.String()),
		))
	defer span.End()

	step := func(db *gorm.DB) error {
		if strings.TrimSpace(script) != "" {
			if err := db.WithContext(ctx).Exec(script).Error; err != nil {
				return &domain.StepError{
					Op:      op,
					Version: m.Version,
					Name:    m.Name,
					Err:     fmt.Errorf("%w: %w", domain.ErrMigrationFailed, err),
				}
			}
		}

		if err := s.versions(db).SetVersion(ctx, persist); err != nil {
			return &domain.StepError{Op: op, Version: m.Version, Name: m.Name, Err: err}
		}
		return nil
	}

	var err error
	if s.txPerStep {
		err = s.db.WithContext(ctx).Transaction(step)
	} else {
		err = step(s.db)
	}
	if err != nil {
		return recordError(span, err)
	}
	return nil
}

// Status は全マイグレーションをバージョン昇順で返し、適用状態を設定する。
func (s *MigrationService) Status(ctx context.Context) ([]*domain.Migration, domain.Version, error) {
	all, err := s.files.List(ctx)
	if err != nil {
		return nil, "", err
	}

	current, err := s.versions(s.db).GetVersion(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to get current version",
			"operation", "get_migration_status",
			"error", err,
		)
		return nil, "", fmt.Errorf("failed to get current version: %w", err)
	}

	domain.SortAscending(all)
	for _, m := range all {
		if m.Version.Compare(current) <= 0 {
			m.Status = domain.MigrationStatusApplied
		} else {
			m.Status = domain.MigrationStatusPending
		}
	}

	return all, current, nil
}

// Create は "<timestamp>_<name>.sql" 形式の空のマイグレーションファイルを作成し、ファイル名を返す。
func (s *MigrationService) Create(ctx context.Context, name string) (string, error) {
	if name == "" {
		name = "unnamed"
	}
	filename := s.now().Format("20060102150405") + "_" + slugify(name) + ".sql"

	if _, err := s.files.Create(ctx, filename, []byte(migrationTemplate)); err != nil {
		s.logger.ErrorContext(ctx, "failed to create migration",
			"operation", "create",
			"name", filename,
			"error", err,
		)
		return "", err
	}

	s.logger.InfoContext(ctx, "created migration", "operation", "create", "name", filename)
	return filename, nil
}

func slugify(name string) string {
	s := strings.ReplaceAll(strings.ToLower(name), " ", "_")
	return nonSlugChars.ReplaceAllString(s, "")
}

func recordError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
