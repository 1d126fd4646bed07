// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"time"
)

// VersionChange はmigrate/rollback前後のバージョン。
type VersionChange struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Executed int    `json:"executed"`
}

// WriteAuditLog は監査ログを出力する。
func WriteAuditLog(ctx context.Context, operation string, change VersionChange, result string) {
	slog.InfoContext(ctx, "migration operation completed",
		"operation", operation,
		"from_version", change.From,
		"to_version", change.To,
		"executed", change.Executed,
		"result", result,
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	)
}
