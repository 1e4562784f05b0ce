// Package repository — доступ к Postgres через pgxpool. Каждый репозиторий
// владеет SQL своих таблиц; многотабличные инварианты (создание диалога,
// отправка сообщения) выполняются одной транзакцией внутри метода.
package repository

import "errors"

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict — нарушение уникальности (дубликат прямого диалога и т.п.).
	ErrConflict = errors.New("conflict")
)
