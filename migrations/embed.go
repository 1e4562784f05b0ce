// Package migrations предоставляет встроенные SQL-миграции движка диалогов.
package migrations

import "embed"

// Files содержит все .sql файлы из этой директории (порядок важен: 001, 002, ...).
//
//go:embed *.sql
var Files embed.FS

// Ordered — список миграций в порядке применения.
var Ordered = []string{
	"001_init.sql",
	"002_presence.sql",
	"003_attachments.sql",
}
