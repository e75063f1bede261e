package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound — сущность отсутствует либо доступ намеренно скрыт.
	ErrNotFound = errors.New("сущность не найдена")
	// ErrForbidden — сущность существует, но вызывающий не владелец.
	ErrForbidden = errors.New("доступ запрещён")
	// ErrInsufficientCredits — доступного баланса не хватает на блокировку.
	ErrInsufficientCredits = errors.New("недостаточно кредитов")
	// ErrJobStale — задача зависла в in_progress дольше допустимого.
	ErrJobStale = errors.New("задача устарела")
	// ErrJobAlreadyClaimed — задачу уже перевёл в работу другой воркер.
	ErrJobAlreadyClaimed = errors.New("задача уже взята в работу")
)

// InvalidStateTransitionError — нарушение гварда машины состояний.
type InvalidStateTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("недопустимый переход %s: %s -> %s", e.Entity, e.From, e.To)
}

// ValidationError — некорректные метаданные задачи или сочетание аргументов.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("валидация %s: %s", e.Field, e.Reason)
}

// Коды AppError, на которые завязан пользовательский UX.
const (
	// CodeMessageTooLongForImage: сообщение слишком длинное для генерации изображения.
	CodeMessageTooLongForImage = 2200
)

// AppError — доменная ошибка с опциональным машинным кодом.
type AppError struct {
	Message string
	Code    int
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// NewAppError создаёт доменную ошибку без кода.
func NewAppError(message string) *AppError {
	return &AppError{Message: message}
}

// NewAppErrorCode создаёт доменную ошибку с машинным кодом.
func NewAppErrorCode(message string, code int) *AppError {
	return &AppError{Message: message, Code: code}
}

// AppErrorCode возвращает код доменной ошибки, если он есть в цепочке.
func AppErrorCode(err error) (int, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Code != 0 {
		return appErr.Code, true
	}
	return 0, false
}
