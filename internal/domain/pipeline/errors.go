package pipeline

import (
	"errors"
	"fmt"
)

// Ошибки конвейера загрузки. Каждая ошибка шага оборачивается в *StepError,
// который одновременно удовлетворяет errors.Is(err, ErrXxx) и errors.Is(err, cause).
var (
	// ErrInvalidInput — не выбран файл, пустой MIME-тип или нет активной сессии.
	ErrInvalidInput = errors.New("некорректные входные данные")
	// ErrPresign — не удалось получить presigned URL (шаг 1).
	ErrPresign = errors.New("ошибка получения presigned URL")
	// ErrUpload — не удалось загрузить файл по presigned URL (шаг 2).
	ErrUpload = errors.New("ошибка загрузки файла")
	// ErrRegistration — не удалось зарегистрировать изображение (шаг 3).
	ErrRegistration = errors.New("ошибка регистрации изображения")
	// ErrGeneration — не удалось сгенерировать подписи (шаг 4).
	ErrGeneration = errors.New("ошибка генерации подписей")
)

// StepError — ошибка конкретного шага конвейера.
type StepError struct {
	// Step — шаг, на котором произошла ошибка
	Step Step
	// StatusCode — HTTP-статус ответа (0, если ответа не было)
	StatusCode int
	// Message — сообщение сервера или описание ошибки
	Message string
	// Err — исходная причина (транспортная ошибка, context.Canceled и т.п.)
	Err error
}

// NewStepError создаёт ошибку шага с причиной cause.
func NewStepError(step Step, cause error) *StepError {
	se := &StepError{Step: step, Err: cause}
	if cause != nil {
		se.Message = cause.Error()
	}
	return se
}

func (e *StepError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind().Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("шаг %s: HTTP %d: %s", e.Step, e.StatusCode, msg)
	}
	return fmt.Sprintf("шаг %s: %s", e.Step, msg)
}

// Kind возвращает sentinel-ошибку шага (ErrPresign, ErrUpload, ...).
func (e *StepError) Kind() error {
	return StepKind(e.Step)
}

// Unwrap возвращает sentinel шага и исходную причину.
func (e *StepError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind()}
	}
	return []error{e.Kind(), e.Err}
}

// StepKind сопоставляет шагу его sentinel-ошибку.
func StepKind(step Step) error {
	switch step {
	case StepPresign:
		return ErrPresign
	case StepUpload:
		return ErrUpload
	case StepRegister:
		return ErrRegistration
	case StepGenerate:
		return ErrGeneration
	default:
		return ErrInvalidInput
	}
}
