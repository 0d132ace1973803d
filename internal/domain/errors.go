// internal/domain/errors.go
package domain

import (
	"errors"
	"fmt"
)

// Таксономия ошибок ядра. Проверяется через errors.Is / errors.As,
// презентационный слой мапит каждую на свой ответ пользователю.
var (
	// ErrInvalidTransition — переход машины состояний из недопустимого
	// состояния. Для вызывающего значит «ничего не произошло», можно
	// повторить из правильного состояния.
	ErrInvalidTransition = errors.New("invalid session state transition")

	// ErrAuthorization — попытка доступа к чужой этикетке или сессии.
	// Не ретраится.
	ErrAuthorization = errors.New("access denied")

	// ErrNotFound — товар, этикетка или сессия с таким id не существует.
	ErrNotFound = errors.New("not found")

	// ErrServiceUnavailable — внешний OCR/нормализация/поиск цен исчерпали
	// бюджет повторов.
	ErrServiceUnavailable = errors.New("upstream service unavailable")
)

// ValidationError — обязательное поле отсутствует или искажено.
// Запись отклоняется целиком, частичного сохранения нет.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation сообщает, что err — ошибка валидации входных данных.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
