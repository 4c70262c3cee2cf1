// Пакет model — доменные модели captionhub.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Caption — подпись к изображению, сгенерированная Caption Service.
// Маппинг таблицы captions.
type Caption struct {
	// ID — UUID подписи
	ID uuid.UUID
	// Content — текст подписи
	Content string
	// ImageID — идентификатор зарегистрированного изображения (может отсутствовать)
	ImageID *string
	// CreatedAt — время создания (created_datetime_utc)
	CreatedAt time.Time
}

// CaptionPage — страница списка подписей.
type CaptionPage struct {
	Items  []*Caption
	Total  int
	Limit  int
	Offset int
}
