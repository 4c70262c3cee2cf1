package model

import "time"

// Principal — аутентифицированный пользователь запроса.
// Извлекается из Bearer JWT или из cookie-сессии UI.
type Principal struct {
	// Subject — sub из JWT, используется как profile_id голосов
	Subject string
	// Email — email пользователя (может быть пустым)
	Email string
	// Name — отображаемое имя (preferred_username или name)
	Name string
	// AccessToken — исходный access token, передаётся в Caption Service как Bearer
	AccessToken string
	// ExpiresAt — время истечения access token
	ExpiresAt time.Time
}
