// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import (
	"errors"

	"github.com/bigkaa/captionhub/internal/domain/pipeline"
)

var (
	// ErrNotFound — ресурс не найден.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrInvalidInput — некорректные входные данные (нет файла, токена, недопустимый голос).
	ErrInvalidInput = pipeline.ErrInvalidInput
	// ErrVoteConflict — голос не удалось записать из-за конкурентных изменений.
	ErrVoteConflict = errors.New("конфликт записи голоса: исчерпаны попытки")
	// ErrUploadSuperseded — загрузка отменена более новой загрузкой того же пользователя.
	ErrUploadSuperseded = errors.New("загрузка отменена более новой загрузкой")
)
