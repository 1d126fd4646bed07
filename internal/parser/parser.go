// Package parser はマイグレーションファイルの解析を提供する。
package parser

import (
	"regexp"
	"strings"

	"schema-migrator/internal/domain"
)

var (
	upMarker   = regexp.MustCompile(`^-- up --`)
	downMarker = regexp.MustCompile(`^-- down --`)
	lineBreak  = regexp.MustCompile(`\r?\n`)
)

type section int

const (
	sectionNone section = iota
	sectionUp
	sectionDown
)

// Parse はマイグレーションファイルの内容をup/downのSQLに分割する。
// pathはエラーメッセージにのみ使用する。
//
// "--" で始まる行はセクションマーカーかコメントとして扱い、保存しない。
// 最初のマーカーより前にSQLがある場合はFormatErrorを返す。
func Parse(path string, contents []byte) (*domain.MigrationScript, error) {
	lines := lineBreak.Split(string(contents), -1)
	// 末尾の改行による空要素は行として数えない
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}

	var up, down strings.Builder
	current := sectionNone

	for i, line := range lines {
		if strings.HasPrefix(line, "--") {
			switch {
			case upMarker.MatchString(line):
				current = sectionUp
			case downMarker.MatchString(line):
				current = sectionDown
			}
			continue
		}

		switch current {
		case sectionUp:
			up.WriteString(line)
			up.WriteByte('\n')
		case sectionDown:
			down.WriteString(line)
			down.WriteByte('\n')
		default:
			if strings.TrimSpace(line) == "" {
				continue
			}
			return nil, &domain.FormatError{
				Path:   path,
				Line:   i + 1,
				Column: 1,
				Msg:    "migration sql outside of up or down section",
			}
		}
	}

	return &domain.MigrationScript{
		Up:   up.String(),
		Down: down.String(),
	}, nil
}
