package usecase

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"schema-migrator/internal/domain"
	"schema-migrator/internal/repository"

	"github.com/google/go-cmp/cmp"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// fixtureMigrations は3つのテーブルを作成・削除するマイグレーション。
var fixtureMigrations = map[string]string{
	"1_a.sql": "-- up -------\nCREATE TABLE fixture1 (id INT);\n\n-- down -----\nDROP TABLE fixture1;\n",
	"2_b.sql": "-- up -------\nCREATE TABLE fixture2 (id INT);\n\n-- down -----\nDROP TABLE fixture2;\n",
	"3_c.sql": "-- up -------\nCREATE TABLE fixture3 (id INT);\n\n-- down -----\nDROP TABLE fixture3;\n",
}

// recordingVersionStore はSetVersionの呼び出しを記録し、任意でエラーを返す。
type recordingVersionStore struct {
	inner VersionStore
	rec   *versionRecorder
}

type versionRecorder struct {
	sets []domain.Version
	// failAt回目（1始まり）のSetVersionでsetErrを返す。0の場合は失敗しない。
	failAt int
	setErr error
}

func (s *recordingVersionStore) GetVersion(ctx context.Context) (domain.Version, error) {
	return s.inner.GetVersion(ctx)
}

func (s *recordingVersionStore) SetVersion(ctx context.Context, version domain.Version) error {
	s.rec.sets = append(s.rec.sets, version)
	if s.rec.failAt > 0 && len(s.rec.sets) == s.rec.failAt {
		return s.rec.setErr
	}
	return s.inner.SetVersion(ctx, version)
}

// setupTestMigrationsDir はテスト用のmigrationsディレクトリを作成する。
func setupTestMigrationsDir(t *testing.T, files map[string]string) string {
	t.Helper()

	migrationsDir := filepath.Join(t.TempDir(), "migrations")
	if err := os.MkdirAll(migrationsDir, 0755); err != nil {
		t.Fatalf("failed to create migrations dir: %v", err)
	}

	for filename, content := range files {
		if err := os.WriteFile(filepath.Join(migrationsDir, filename), []byte(content), 0644); err != nil {
			t.Fatalf("failed to create test migration file: %v", err)
		}
	}

	return migrationsDir
}

// setupTestDB はテスト用のSQLiteデータベースを作成する。
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	return db
}

type testEnv struct {
	service *MigrationService
	db      *gorm.DB
	rec     *versionRecorder
	dir     string
}

func newTestEnv(t *testing.T, files map[string]string, opts Options) *testEnv {
	t.Helper()

	dir := setupTestMigrationsDir(t, files)
	db := setupTestDB(t)
	rec := &versionRecorder{}
	versions := func(db *gorm.DB) VersionStore {
		return &recordingVersionStore{inner: repository.NewVersionRepository(db, "", nil), rec: rec}
	}

	return &testEnv{
		service: NewMigrationService(repository.NewFileRepository(dir, nil), db, versions, opts),
		db:      db,
		rec:     rec,
		dir:     dir,
	}
}

func (e *testEnv) setVersion(t *testing.T, v domain.Version) {
	t.Helper()
	if err := repository.NewVersionRepository(e.db, "", nil).SetVersion(context.Background(), v); err != nil {
		t.Fatalf("failed to set version: %v", err)
	}
	e.rec.sets = nil
}

func (e *testEnv) version(t *testing.T) domain.Version {
	t.Helper()
	v, err := e.service.CurrentVersion(context.Background())
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	return v
}

func (e *testEnv) assertTables(t *testing.T, present []string, absent []string) {
	t.Helper()
	for _, table := range present {
		if !e.db.Migrator().HasTable(table) {
			t.Errorf("table %s should exist", table)
		}
	}
	for _, table := range absent {
		if e.db.Migrator().HasTable(table) {
			t.Errorf("table %s should not exist", table)
		}
	}
}

func names(migrations []*domain.Migration) []string {
	out := []string{}
	for _, m := range migrations {
		out = append(out, m.Name)
	}
	return out
}

func TestMigrationService_Migrate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, fixtureMigrations, Options{})

	result, err := env.service.Migrate(ctx)
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	if diff := cmp.Diff([]string{"1_a.sql", "2_b.sql", "3_c.sql"}, names(result.Executed)); diff != "" {
		t.Errorf("executed mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]domain.Version{"1", "2", "3"}, env.rec.sets); diff != "" {
		t.Errorf("persisted versions mismatch (-want +got):\n%s", diff)
	}
	if result.FromVersion != "0" || result.ToVersion != "3" {
		t.Errorf("unexpected result versions: %s -> %s", result.FromVersion, result.ToVersion)
	}
	if v := env.version(t); v != "3" {
		t.Errorf("expected version 3, got %s", v)
	}
	env.assertTables(t, []string{"fixture1", "fixture2", "fixture3"}, nil)
}

func TestMigrationService_Migrate_OnlyNewer(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, fixtureMigrations, Options{})
	env.setVersion(t, "2")

	result, err := env.service.Migrate(ctx)
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	if diff := cmp.Diff([]string{"3_c.sql"}, names(result.Executed)); diff != "" {
		t.Errorf("executed mismatch (-want +got):\n%s", diff)
	}
	if v := env.version(t); v != "3" {
		t.Errorf("expected version 3, got %s", v)
	}
	env.assertTables(t, []string{"fixture3"}, []string{"fixture1", "fixture2"})
}

func TestMigrationService_Migrate_Idempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, fixtureMigrations, Options{})

	if _, err := env.service.Migrate(ctx); err != nil {
		t.Fatalf("first Migrate failed: %v", err)
	}
	env.rec.sets = nil

	result, err := env.service.Migrate(ctx)
	if err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}
	if len(result.Executed) != 0 {
		t.Errorf("expected no migrations, got %v", names(result.Executed))
	}
	if len(env.rec.sets) != 0 {
		t.Errorf("expected zero version writes, got %v", env.rec.sets)
	}
	if result.ToVersion != "3" {
		t.Errorf("expected version 3, got %s", result.ToVersion)
	}
}

func TestMigrationService_Migrate_NumericOrdering(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, map[string]string{
		"9_nine.sql": "-- up --\nCREATE TABLE nine (id INT);\n-- down --\nDROP TABLE nine;\n",
		"10_ten.sql": "-- up --\nCREATE TABLE ten (id INT REFERENCES nine(id));\n-- down --\nDROP TABLE ten;\n",
		"2_two.sql":  "-- up --\nCREATE TABLE two (id INT);\n-- down --\nDROP TABLE two;\n",
	}, Options{})

	result, err := env.service.Migrate(ctx)
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	if diff := cmp.Diff([]string{"2_two.sql", "9_nine.sql", "10_ten.sql"}, names(result.Executed)); diff != "" {
		t.Errorf("executed mismatch (-want +got):\n%s", diff)
	}
	if v := env.version(t); v != "10" {
		t.Errorf("expected version 10, got %s", v)
	}

	// "9" は "10" より小さいので、10の状態からは何も適用しない
	result, err = env.service.Migrate(ctx)
	if err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}
	if len(result.Executed) != 0 {
		t.Errorf("expected no migrations, got %v", names(result.Executed))
	}
}

func TestMigrationService_Migrate_InvalidFilename(t *testing.T) {
	ctx := context.Background()
	files := map[string]string{"abc.sql": "-- up --\n"}
	for k, v := range fixtureMigrations {
		files[k] = v
	}
	env := newTestEnv(t, files, Options{})

	_, err := env.service.Migrate(ctx)
	if !errors.Is(err, domain.ErrInvalidMigrationFile) {
		t.Fatalf("expected ErrInvalidMigrationFile, got %v", err)
	}

	// クエリは一切実行されない
	env.assertTables(t, nil, []string{repository.DefaultVersionTable, "fixture1", "fixture2", "fixture3"})
}

func TestMigrationService_Migrate_ParseError(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, map[string]string{
		"1_a.sql": fixtureMigrations["1_a.sql"],
		"2_b.sql": "-- header\nCREATE TABLE fixture2 (id INT);\n-- up --\n",
		"3_c.sql": fixtureMigrations["3_c.sql"],
	}, Options{})

	_, err := env.service.Migrate(ctx)

	var formatErr *domain.FormatError
	if !errors.As(err, &formatErr) {
		t.Fatalf("expected *domain.FormatError, got %v", err)
	}
	if formatErr.Line != 2 {
		t.Errorf("expected line 2, got %d", formatErr.Line)
	}
	if formatErr.Path != filepath.Join(env.dir, "2_b.sql") {
		t.Errorf("unexpected path: %s", formatErr.Path)
	}
	if v := env.version(t); v != "1" {
		t.Errorf("expected version 1, got %s", v)
	}
	env.assertTables(t, []string{"fixture1"}, []string{"fixture2", "fixture3"})
}

func TestMigrationService_Migrate_HaltsOnQueryError(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, map[string]string{
		"1_a.sql": fixtureMigrations["1_a.sql"],
		"2_b.sql": "-- up --\nINVALID SQL SYNTAX;\n-- down --\n",
		"3_c.sql": fixtureMigrations["3_c.sql"],
	}, Options{})

	result, err := env.service.Migrate(ctx)
	if !errors.Is(err, domain.ErrMigrationFailed) {
		t.Fatalf("expected ErrMigrationFailed, got %v", err)
	}

	var stepErr *domain.StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("expected *domain.StepError, got %T", err)
	}
	if stepErr.Version != "2" || stepErr.Op != "migrate" {
		t.Errorf("unexpected step error: %+v", stepErr)
	}

	if diff := cmp.Diff([]string{"1_a.sql"}, names(result.Executed)); diff != "" {
		t.Errorf("executed mismatch (-want +got):\n%s", diff)
	}
	if v := env.version(t); v != "1" {
		t.Errorf("expected version 1, got %s", v)
	}
	env.assertTables(t, []string{"fixture1"}, []string{"fixture3"})
}

func TestMigrationService_Migrate_VersionPersistError(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, fixtureMigrations, Options{})
	env.rec.failAt = 2
	env.rec.setErr = domain.ErrVersionPersist

	_, err := env.service.Migrate(ctx)
	if !errors.Is(err, domain.ErrVersionPersist) {
		t.Fatalf("expected ErrVersionPersist, got %v", err)
	}

	if diff := cmp.Diff([]domain.Version{"1", "2"}, env.rec.sets); diff != "" {
		t.Errorf("persisted versions mismatch (-want +got):\n%s", diff)
	}
	if v := env.version(t); v != "1" {
		t.Errorf("expected version 1, got %s", v)
	}
	env.assertTables(t, []string{"fixture1", "fixture2"}, []string{"fixture3"})
}

func TestMigrationService_Migrate_StoreLogsToInjectedLogger(t *testing.T) {
	ctx := context.Background()
	dir := setupTestMigrationsDir(t, map[string]string{"1_a.sql": fixtureMigrations["1_a.sql"]})
	db := setupTestDB(t)

	var injected, global bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&global, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	log := slog.New(slog.NewJSONHandler(&injected, nil))
	versions := repository.NewVersionRepository(db, "", log)
	service := NewMigrationService(
		repository.NewFileRepository(dir, log),
		db,
		func(tx *gorm.DB) VersionStore { return versions.WithTx(tx) },
		Options{TxPerStep: true, Logger: log},
	)

	if _, err := service.CurrentVersion(ctx); err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	// 制御テーブルに2行目を追加してバージョン更新を失敗させる
	if err := db.Exec("INSERT INTO _schema_version (version) VALUES ('0')").Error; err != nil {
		t.Fatalf("failed to insert extra row: %v", err)
	}

	if _, err := service.Migrate(ctx); !errors.Is(err, domain.ErrVersionPersist) {
		t.Fatalf("expected ErrVersionPersist, got %v", err)
	}

	if !strings.Contains(injected.String(), `"operation":"set_version"`) {
		t.Errorf("store error not written to injected logger: %s", injected.String())
	}
	if !strings.Contains(injected.String(), `"run_id"`) {
		t.Errorf("run_id not written to injected logger: %s", injected.String())
	}
	if global.Len() != 0 {
		t.Errorf("default logger should not be used, got: %s", global.String())
	}
}

func TestMigrationService_Migrate_TxPerStep(t *testing.T) {
	files := map[string]string{
		"1_a.sql": fixtureMigrations["1_a.sql"],
		"2_b.sql": "-- up --\nCREATE TABLE fixture2 (id INT);\nINSERT INTO missing_table VALUES (1);\n-- down --\n",
	}

	t.Run("with transaction", func(t *testing.T) {
		env := newTestEnv(t, files, Options{TxPerStep: true})

		if _, err := env.service.Migrate(context.Background()); !errors.Is(err, domain.ErrMigrationFailed) {
			t.Fatalf("expected ErrMigrationFailed, got %v", err)
		}
		if v := env.version(t); v != "1" {
			t.Errorf("expected version 1, got %s", v)
		}
		env.assertTables(t, []string{"fixture1"}, []string{"fixture2"})
	})

	t.Run("without transaction", func(t *testing.T) {
		env := newTestEnv(t, files, Options{TxPerStep: false})

		if _, err := env.service.Migrate(context.Background()); !errors.Is(err, domain.ErrMigrationFailed) {
			t.Fatalf("expected ErrMigrationFailed, got %v", err)
		}
		if v := env.version(t); v != "1" {
			t.Errorf("expected version 1, got %s", v)
		}
		// 途中まで実行された文は残る
		env.assertTables(t, []string{"fixture1", "fixture2"}, nil)
	})
}

func TestMigrationService_Rollback_Default(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, fixtureMigrations, Options{TxPerStep: true})

	if _, err := env.service.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	env.rec.sets = nil

	result, err := env.service.Rollback(ctx, "")
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	if diff := cmp.Diff([]string{"3_c.sql"}, names(result.Executed)); diff != "" {
		t.Errorf("executed mismatch (-want +got):\n%s", diff)
	}
	if v := env.version(t); v != "2" {
		t.Errorf("expected version 2, got %s", v)
	}
	env.assertTables(t, []string{"fixture1", "fixture2"}, []string{"fixture3"})
}

func TestMigrationService_Rollback_DefaultSharedVersion(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, map[string]string{
		"1_a.sql":       fixtureMigrations["1_a.sql"],
		"2_b.sql":       fixtureMigrations["2_b.sql"],
		"2_b_extra.sql": "-- up --\nCREATE TABLE fixture2x (id INT);\n-- down --\nDROP TABLE fixture2x;\n",
	}, Options{})

	if _, err := env.service.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	result, err := env.service.Rollback(ctx, "")
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	if diff := cmp.Diff([]string{"2_b_extra.sql", "2_b.sql"}, names(result.Executed)); diff != "" {
		t.Errorf("executed mismatch (-want +got):\n%s", diff)
	}
	if v := env.version(t); v != "1" {
		t.Errorf("expected version 1, got %s", v)
	}
	env.assertTables(t, []string{"fixture1"}, []string{"fixture2", "fixture2x"})
}

func TestMigrationService_Rollback_ExplicitTarget(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, fixtureMigrations, Options{})

	if _, err := env.service.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	env.rec.sets = nil

	result, err := env.service.Rollback(ctx, "1")
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	if diff := cmp.Diff([]string{"3_c.sql", "2_b.sql"}, names(result.Executed)); diff != "" {
		t.Errorf("executed mismatch (-want +got):\n%s", diff)
	}
	// 各ステップ後に保存されるのは最終的なtarget
	if diff := cmp.Diff([]domain.Version{"1", "1"}, env.rec.sets); diff != "" {
		t.Errorf("persisted versions mismatch (-want +got):\n%s", diff)
	}
	if v := env.version(t); v != "1" {
		t.Errorf("expected version 1, got %s", v)
	}
	env.assertTables(t, []string{"fixture1"}, []string{"fixture2", "fixture3"})
}

func TestMigrationService_Rollback_InterruptedKeepsTarget(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, map[string]string{
		"1_a.sql": fixtureMigrations["1_a.sql"],
		"2_b.sql": "-- up --\nCREATE TABLE fixture2 (id INT);\n-- down --\nDROP TABLE missing_table;\n",
		"3_c.sql": fixtureMigrations["3_c.sql"],
	}, Options{TxPerStep: true})

	if _, err := env.service.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	result, err := env.service.Rollback(ctx, "1")
	if !errors.Is(err, domain.ErrMigrationFailed) {
		t.Fatalf("expected ErrMigrationFailed, got %v", err)
	}

	if diff := cmp.Diff([]string{"3_c.sql"}, names(result.Executed)); diff != "" {
		t.Errorf("executed mismatch (-want +got):\n%s", diff)
	}
	// 中断後も中間値の "2" ではなく target の "1" が保存されている
	if v := env.version(t); v != "1" {
		t.Errorf("expected version 1, got %s", v)
	}
	env.assertTables(t, []string{"fixture1", "fixture2"}, []string{"fixture3"})
}

func TestMigrationService_Rollback_Nothing(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, fixtureMigrations, Options{})

	result, err := env.service.Rollback(ctx, "")
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if len(result.Executed) != 0 {
		t.Errorf("expected nothing to rollback, got %v", names(result.Executed))
	}
	if len(env.rec.sets) != 0 {
		t.Errorf("expected zero version writes, got %v", env.rec.sets)
	}
}

func TestMigrationService_Rollback_InvalidTarget(t *testing.T) {
	env := newTestEnv(t, fixtureMigrations, Options{})

	if _, err := env.service.Rollback(context.Background(), "abc"); !errors.Is(err, domain.ErrInvalidVersion) {
		t.Errorf("expected ErrInvalidVersion, got %v", err)
	}
}

func TestMigrationService_RoundTrip(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, fixtureMigrations, Options{TxPerStep: true})
	env.setVersion(t, "1")

	before, err := env.db.Migrator().GetTables()
	if err != nil {
		t.Fatalf("GetTables failed: %v", err)
	}

	if _, err := env.service.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if _, err := env.service.Rollback(ctx, "1"); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	after, err := env.db.Migrator().GetTables()
	if err != nil {
		t.Fatalf("GetTables failed: %v", err)
	}
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("schema changed after round trip (-before +after):\n%s", diff)
	}
	if v := env.version(t); v != "1" {
		t.Errorf("expected version 1, got %s", v)
	}
}

func TestMigrationService_Status(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, fixtureMigrations, Options{})
	env.setVersion(t, "2")

	migrations, current, err := env.service.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if current != "2" {
		t.Errorf("expected current version 2, got %s", current)
	}

	var got []string
	for _, m := range migrations {
		got = append(got, m.Name+":"+string(m.Status))
	}
	want := []string{"1_a.sql:applied", "2_b.sql:applied", "3_c.sql:pending"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
}

func TestMigrationService_Create(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, Options{
		Now: func() time.Time { return time.Date(2026, 10, 15, 9, 30, 5, 0, time.UTC) },
	})

	tests := []struct {
		name string
		want string
	}{
		{"Add Users Table", "20261015093005_add_users_table.sql"},
		{"", "20261015093005_unnamed.sql"},
	}

	for _, tt := range tests {
		filename, err := env.service.Create(ctx, tt.name)
		if err != nil {
			t.Fatalf("Create(%q) failed: %v", tt.name, err)
		}
		if filename != tt.want {
			t.Errorf("Create(%q) = %q, want %q", tt.name, filename, tt.want)
		}

		contents, err := os.ReadFile(filepath.Join(env.dir, filename))
		if err != nil {
			t.Fatalf("failed to read created file: %v", err)
		}
		if string(contents) != migrationTemplate {
			t.Errorf("unexpected contents: %q", contents)
		}
	}

	// 作成したファイルはそのまま適用できる
	result, err := env.service.Migrate(ctx)
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if result.ToVersion != "20261015093005" {
		t.Errorf("expected version 20261015093005, got %s", result.ToVersion)
	}
}

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"Add Users Table":   "add_users_table",
		"add-index!":        "addindex",
		"already_snake_123": "already_snake_123",
		"Ünïcode name":      "ncode_name",
	}
	for in, want := range tests {
		if got := slugify(in); got != want {
			t.Errorf("slugify(%q) = %q, want %q", in, got, want)
		}
	}
}
