package captionapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"
)

// APIError — ответ Caption Service или Object Store с не-2xx статусом.
// Такой ответ окончателен для шага и не повторяется.
type APIError struct {
	// StatusCode — HTTP-статус ответа
	StatusCode int
	// Message — сообщение сервера (если удалось извлечь) или текст статуса
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// newAPIError читает начало тела ответа и извлекает сообщение сервера.
func newAPIError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := parseErrorMessage(body)
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

// parseErrorMessage извлекает сообщение из тела ошибки.
// JSON: message, error (строка или {message}), detail. Иначе — короткий текст.
func parseErrorMessage(body []byte) string {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return ""
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &obj); err == nil {
		for _, key := range []string{"message", "error", "detail"} {
			raw, ok := obj[key]
			if !ok {
				continue
			}
			var s string
			if err := json.Unmarshal(raw, &s); err == nil && s != "" {
				return s
			}
			var nested struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(raw, &nested); err == nil && nested.Message != "" {
				return nested.Message
			}
		}
		return ""
	}

	// HTML-страницы ошибок прокси не показываем
	if strings.HasPrefix(text, "<") || !utf8.ValidString(text) {
		return ""
	}
	if len(text) > 200 {
		text = text[:200]
		for !utf8.ValidString(text) {
			text = text[:len(text)-1]
		}
		text += "..."
	}
	return text
}
