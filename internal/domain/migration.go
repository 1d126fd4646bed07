package domain

import "sort"

// MigrationStatus はマイグレーションの適用状態を表す
type MigrationStatus string

const (
	MigrationStatusPending MigrationStatus = "pending"
	MigrationStatusApplied MigrationStatus = "applied"
)

// Migration はディスク上のマイグレーションファイル1件を表すドメインモデル
type Migration struct {
	Version  Version         // マイグレーションバージョン（ファイル名の先頭の数字）
	Name     string          // ファイル名（例: "001_create_users.sql"）
	FilePath string          // マイグレーションファイルのパス
	Status   MigrationStatus // 適用状態
}

// MigrationScript はマイグレーションファイルを解析した結果。
type MigrationScript struct {
	Up   string // 適用時に実行するSQL
	Down string // ロールバック時に実行するSQL
}

// RunResult はmigrate/rollback 1回分の実行結果。
type RunResult struct {
	FromVersion Version
	ToVersion   Version
	Executed    []*Migration
}

// SortAscending はマイグレーションをバージョン昇順に並べ替える。
// 同一バージョンはファイル名順。
func SortAscending(migrations []*Migration) {
	sort.SliceStable(migrations, func(i, j int) bool {
		if c := migrations[i].Version.Compare(migrations[j].Version); c != 0 {
			return c < 0
		}
		return migrations[i].Name < migrations[j].Name
	})
}

// SortDescending はSortAscendingの逆順に並べ替える。
func SortDescending(migrations []*Migration) {
	SortAscending(migrations)
	for i, j := 0, len(migrations)-1; i < j; i, j = i+1, j-1 {
		migrations[i], migrations[j] = migrations[j], migrations[i]
	}
}
