// Package handler はHTTPハンドラを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"schema-migrator/internal/domain"
	"schema-migrator/internal/middleware"
	"schema-migrator/pkg/httputil"
)

// MigrationService はハンドラが利用するマイグレーション操作。
type MigrationService interface {
	CurrentVersion(ctx context.Context) (domain.Version, error)
	Status(ctx context.Context) ([]*domain.Migration, domain.Version, error)
	Migrate(ctx context.Context) (*domain.RunResult, error)
	Rollback(ctx context.Context, target string) (*domain.RunResult, error)
}

// MigrationHandler はHTTPハンドラを提供する。
type MigrationHandler struct {
	service MigrationService
	// migrate/rollbackをプロセス内で直列化する
	mu sync.Mutex
}

// NewMigrationHandler は新しいMigrationHandlerを生成する。
func NewMigrationHandler(service MigrationService) *MigrationHandler {
	return &MigrationHandler{service: service}
}

// VersionResponse は現在のバージョンのレスポンス形式。
type VersionResponse struct {
	Version string `json:"version"`
}

// MigrationResponse はマイグレーション1件のレスポンス形式。
type MigrationResponse struct {
	Version string `json:"version"`
	Name    string `json:"name"`
	Status  string `json:"status"`
}

// StatusResponse はマイグレーション一覧のレスポンス形式。
type StatusResponse struct {
	Version    string              `json:"version"`
	Migrations []MigrationResponse `json:"migrations"`
}

// RunResponse はmigrate/rollbackのレスポンス形式。
type RunResponse struct {
	FromVersion string              `json:"from_version"`
	Version     string              `json:"version"`
	Executed    []MigrationResponse `json:"executed"`
}

// RollbackRequest はrollbackのリクエスト形式。targetを省略すると直前のバージョンまで戻す。
type RollbackRequest struct {
	Target string `json:"target"`
}

func toMigrationResponses(migrations []*domain.Migration) []MigrationResponse {
	resp := make([]MigrationResponse, 0, len(migrations))
	for _, m := range migrations {
		resp = append(resp, MigrationResponse{
			Version: m.Version.String(),
			Name:    m.Name,
			Status:  string(m.Status),
		})
	}
	return resp
}

func toRunResponse(result *domain.RunResult) RunResponse {
	return RunResponse{
		FromVersion: result.FromVersion.String(),
		Version:     result.ToVersion.String(),
		Executed:    toMigrationResponses(result.Executed),
	}
}

// GetVersion は現在のスキーマバージョンを返す。
func (h *MigrationHandler) GetVersion(w http.ResponseWriter, r *http.Request) {
	version, err := h.service.CurrentVersion(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, VersionResponse{Version: version.String()})
}

// ListMigrations は全マイグレーションと適用状態を返す。
func (h *MigrationHandler) ListMigrations(w http.ResponseWriter, r *http.Request) {
	migrations, version, err := h.service.Status(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, StatusResponse{
		Version:    version.String(),
		Migrations: toMigrationResponses(migrations),
	})
}

// Migrate は未適用のマイグレーションを適用する。
func (h *MigrationHandler) Migrate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	h.mu.Lock()
	defer h.mu.Unlock()

	result, err := h.service.Migrate(ctx)
	if err != nil {
		middleware.WriteAuditLog(ctx, "migrate", auditChange(result), "failure")
		handleError(w, err)
		return
	}

	middleware.WriteAuditLog(ctx, "migrate", auditChange(result), "success")
	httputil.JSON(w, http.StatusOK, toRunResponse(result))
}

// Rollback はマイグレーションをロールバックする。
func (h *MigrationHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	result, err := h.service.Rollback(ctx, req.Target)
	if err != nil {
		middleware.WriteAuditLog(ctx, "rollback", auditChange(result), "failure")
		handleError(w, err)
		return
	}

	middleware.WriteAuditLog(ctx, "rollback", auditChange(result), "success")
	httputil.JSON(w, http.StatusOK, toRunResponse(result))
}

// auditChange は監査ログ用にバージョン変化を取り出す。中断時は途中までの結果になる。
func auditChange(result *domain.RunResult) middleware.VersionChange {
	if result == nil {
		return middleware.VersionChange{}
	}
	return middleware.VersionChange{
		From:     result.FromVersion.String(),
		To:       result.ToVersion.String(),
		Executed: len(result.Executed),
	}
}

func handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidMigrationFile):
		httputil.Error(w, http.StatusBadRequest, "INVALID_MIGRATION_FILE", err.Error())
	case errors.Is(err, domain.ErrInvalidVersion):
		httputil.Error(w, http.StatusBadRequest, "INVALID_VERSION", err.Error())
	case errors.Is(err, domain.ErrVersionPersist):
		httputil.Error(w, http.StatusInternalServerError, "VERSION_PERSIST_FAILED", err.Error())
	case errors.Is(err, domain.ErrMigrationFailed):
		httputil.Error(w, http.StatusInternalServerError, "MIGRATION_FAILED", err.Error())
	default:
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}
