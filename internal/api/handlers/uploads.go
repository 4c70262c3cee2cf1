// uploads.go — обработчик POST /api/v1/uploads.
// Принимает multipart-поле file, проверяет размер и MIME-тип и запускает
// конвейер presign → upload → register → generate.
package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"slices"
	"strings"

	apierrors "github.com/bigkaa/captionhub/internal/api/errors"
	"github.com/bigkaa/captionhub/internal/api/generated"
	"github.com/bigkaa/captionhub/internal/api/middleware"
	"github.com/bigkaa/captionhub/internal/domain/pipeline"
	"github.com/bigkaa/captionhub/internal/service"
)

// formFieldFile — имя multipart-поля с файлом.
const formFieldFile = "file"

// multipartOverhead — запас на заголовки multipart сверх размера файла.
const multipartOverhead = 64 << 10

var (
	errNoFile          = errors.New("поле file отсутствует")
	errFileTooLarge    = errors.New("файл превышает допустимый размер")
	errUnsupportedType = errors.New("тип файла не поддерживается")
)

// UploadImage — POST /api/v1/uploads.
func (h *APIHandler) UploadImage(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromContext(r.Context())
	if p == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.limits.MaxBytes+multipartOverhead)

	file, err := h.readFile(r)
	if err != nil {
		h.writeReadError(w, err)
		return
	}

	res, err := h.uploads.Run(r.Context(), p, service.UploadRequest{
		Body:        bytes.NewReader(file.data),
		ContentType: file.contentType,
		Size:        int64(len(file.data)),
		Filename:    file.name,
	})
	if err != nil {
		h.writeUploadError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, generated.UploadResponse{
		Captions: mapCaptions(res.Captions),
		ImageId:  res.ImageID,
	})
}

// uploadedFile — файл из multipart-запроса.
type uploadedFile struct {
	name        string
	contentType string
	data        []byte
}

// readFile находит поле file и читает его не больше MaxBytes.
func (h *APIHandler) readFile(r *http.Request) (*uploadedFile, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		return nil, fmt.Errorf("%w: ожидается multipart/form-data", service.ErrInvalidInput)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", service.ErrInvalidInput, err)
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, errNoFile
		}
		if err != nil {
			return nil, err
		}
		if part.FormName() != formFieldFile {
			_ = part.Close()
			continue
		}
		return h.readPart(part)
	}
}

// readPart читает содержимое файла и определяет его MIME-тип.
func (h *APIHandler) readPart(part *multipart.Part) (*uploadedFile, error) {
	defer part.Close()

	data, err := io.ReadAll(io.LimitReader(part, h.limits.MaxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > h.limits.MaxBytes {
		return nil, errFileTooLarge
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: файл пустой", service.ErrInvalidInput)
	}

	contentType := declaredType(part.Header.Get("Content-Type"))
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = declaredType(http.DetectContentType(data))
	}
	if !slices.Contains(h.limits.AllowedTypes, contentType) {
		return nil, fmt.Errorf("%w: %s", errUnsupportedType, contentType)
	}

	return &uploadedFile{
		name:        part.FileName(),
		contentType: contentType,
		data:        data,
	}, nil
}

// declaredType возвращает MIME-тип без параметров в нижнем регистре.
func declaredType(header string) string {
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return strings.ToLower(mediaType)
}

// writeReadError маппит ошибки чтения multipart в HTTP-ответ.
func (h *APIHandler) writeReadError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, errFileTooLarge), errors.As(err, &maxErr):
		apierrors.PayloadTooLarge(w, fmt.Sprintf("Размер файла превышает %d байт", h.limits.MaxBytes))
	case errors.Is(err, errUnsupportedType):
		apierrors.UnsupportedMediaType(w, err.Error())
	case errors.Is(err, errNoFile):
		apierrors.ValidationError(w, "Файл не выбран: ожидается поле file")
	case errors.Is(err, service.ErrInvalidInput):
		apierrors.ValidationError(w, err.Error())
	default:
		apierrors.ValidationError(w, "Ошибка чтения multipart: "+err.Error())
	}
}

// writeUploadError маппит ошибки конвейера в HTTP-ответ.
func (h *APIHandler) writeUploadError(w http.ResponseWriter, r *http.Request, err error) {
	var stepErr *pipeline.StepError
	switch {
	case errors.Is(err, service.ErrUploadSuperseded):
		apierrors.UploadSuperseded(w, "Загрузка отменена более новой загрузкой")
	case errors.Is(err, service.ErrInvalidInput):
		apierrors.ValidationError(w, err.Error())
	case r.Context().Err() != nil && errors.Is(err, context.Canceled):
		// Клиент отключился, ответ уже некому отправить
		h.logger.Info("Клиент отключился во время загрузки")
	case errors.As(err, &stepErr):
		apierrors.StepFailed(w, stepErrorCode(stepErr.Step), stepErr.Error())
	default:
		h.logger.Error("Ошибка конвейера загрузки", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
	}
}

// stepErrorCode возвращает код ошибки API для шага конвейера.
func stepErrorCode(step pipeline.Step) string {
	switch step {
	case pipeline.StepPresign:
		return apierrors.CodePresignFailed
	case pipeline.StepUpload:
		return apierrors.CodeUploadFailed
	case pipeline.StepRegister:
		return apierrors.CodeRegistrationFailed
	case pipeline.StepGenerate:
		return apierrors.CodeGenerationFailed
	default:
		return apierrors.CodeInternalError
	}
}
