// Package apperr определяет классы ошибок движка диалогов. Обработчики HTTP/WS
// переводят класс в статус; фоновые задачи логируют и продолжают работу.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind — класс ошибки.
type Kind int

const (
	// KindValidation — некорректный ввод, отклонён до каких-либо записей.
	KindValidation Kind = iota
	// KindAuthorization — не активный участник / нет нужной роли.
	KindAuthorization
	// KindNotFound — диалог/сообщение/файл не найдены.
	KindNotFound
	// KindConflict — дубликат (прямой диалог, повторная отметка о прочтении);
	// вызывающий код обычно возвращает существующее состояние, а не ошибку.
	KindConflict
	// KindDependency — БД/кеш недоступны; наружу как retryable.
	KindDependency
)

// Error — ошибка с классом и сообщением для клиента.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is позволяет сравнивать через errors.Is с ошибкой того же класса.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// Validationf создаёт ошибку валидации.
func Validationf(format string, v ...any) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, v...)}
}

// Authorizationf создаёт ошибку авторизации.
func Authorizationf(format string, v ...any) *Error {
	return &Error{Kind: KindAuthorization, Msg: fmt.Sprintf(format, v...)}
}

// NotFoundf создаёт ошибку отсутствия сущности.
func NotFoundf(format string, v ...any) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, v...)}
}

// Conflictf создаёт ошибку конфликта.
func Conflictf(format string, v ...any) *Error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, v...)}
}

// Dependency оборачивает сбой внешней зависимости (БД, кеш).
func Dependency(msg string, err error) *Error {
	return &Error{Kind: KindDependency, Msg: msg, Err: err}
}

// KindOf возвращает класс ошибки; для неклассифицированных ошибок — KindDependency.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindDependency
}

// HTTPStatus переводит класс ошибки в HTTP-статус.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

// Message возвращает сообщение для клиента: текст *Error или generic для прочих.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return "internal error"
}
