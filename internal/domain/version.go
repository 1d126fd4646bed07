package domain

import (
	"fmt"
	"strings"
)

// InitialVersion は制御テーブル作成直後のバージョン。
const InitialVersion Version = "0"

// Version はスキーマバージョンを表す数字のみの文字列。
// 桁数の異なる値も数値として比較する（"9" < "10"）。
type Version string

// ParseVersion は文字列を検証してVersionに変換する。
func ParseVersion(s string) (Version, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidVersion)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: %q", ErrInvalidVersion, s)
		}
	}
	return Version(s), nil
}

// String はバージョン文字列を返す。
func (v Version) String() string {
	return string(v)
}

// Compare はvとoを数値として比較し、-1, 0, 1 を返す。
// 先頭のゼロは無視される。
func (v Version) Compare(o Version) int {
	a := strings.TrimLeft(string(v), "0")
	b := strings.TrimLeft(string(o), "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

// Less はvがoより小さい場合にtrueを返す。
func (v Version) Less(o Version) bool {
	return v.Compare(o) < 0
}
