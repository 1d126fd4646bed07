package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidMigrationFile はマイグレーションファイルの名前または内容が不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")

	// ErrMigrationFailed はマイグレーションSQLの実行に失敗した場合のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrVersionPersist はバージョン更新が1行以外に作用した場合のエラー。
	// 制御テーブルが壊れていることを示す。
	ErrVersionPersist = errors.New("could not persist schema version")

	// ErrInvalidVersion はバージョン文字列が数字のみで構成されていない場合のエラー。
	ErrInvalidVersion = errors.New("invalid version")
)

// FormatError はマイグレーションファイルのフォーマットエラー。
// Lineが0の場合はファイル名自体の問題を表す。
type FormatError struct {
	Path   string
	Line   int
	Column int
	Msg    string
}

func (e *FormatError) Error() string {
	if e.Line == 0 {
		return fmt.Sprintf("%s: %s", e.Msg, e.Path)
	}
	return fmt.Sprintf("%s:%d:%d: %s", e.Path, e.Line, e.Column, e.Msg)
}

// Unwrap はErrInvalidMigrationFileを返す。
func (e *FormatError) Unwrap() error {
	return ErrInvalidMigrationFile
}

// StepError はmigrate/rollbackの1ステップで発生したエラー。
type StepError struct {
	Op      string // "migrate" or "rollback"
	Version Version
	Name    string
	Err     error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s %s (version %s): %v", e.Op, e.Name, e.Version, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
