package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// VoteValue — значение голоса: -1 (против) или +1 (за).
type VoteValue int16

const (
	VoteDown VoteValue = -1
	VoteUp   VoteValue = 1
)

// Valid сообщает, является ли значение допустимым голосом.
func (v VoteValue) Valid() bool {
	return v == VoteDown || v == VoteUp
}

// ParseVoteValue проверяет целое значение и приводит его к VoteValue.
func ParseVoteValue(n int) (VoteValue, error) {
	if n != int(VoteDown) && n != int(VoteUp) {
		return 0, fmt.Errorf("недопустимое значение голоса %d, допустимые: -1, 1", n)
	}
	return VoteValue(n), nil
}

// Vote — голос пользователя за подпись. Маппинг таблицы caption_votes.
// Пара (CaptionID, ProfileID) уникальна.
type Vote struct {
	// ID — UUID записи
	ID uuid.UUID
	// CaptionID — подпись, за которую отдан голос
	CaptionID uuid.UUID
	// ProfileID — идентификатор пользователя (sub из JWT)
	ProfileID string
	// Value — значение голоса
	Value VoteValue
	// CreatedAt — время первого голоса (created_datetime_utc)
	CreatedAt time.Time
	// ModifiedAt — время последнего изменения (modified_datetime_utc)
	ModifiedAt time.Time
}
