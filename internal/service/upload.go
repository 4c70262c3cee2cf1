// upload.go — оркестратор конвейера загрузки изображения.
//
// Четыре шага выполняются строго последовательно: presign → upload →
// register → generate. Каждый следующий шаг начинается только после
// успешного завершения предыдущего; прогресс отражается в pipeline.Machine.
// Ошибка любого шага прерывает конвейер, вызывающему возвращается ровно
// одна ошибка с указанием шага, частичные результаты не возвращаются.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/captionhub/internal/captionapi"
	"github.com/bigkaa/captionhub/internal/domain/model"
	"github.com/bigkaa/captionhub/internal/domain/pipeline"
)

// Prometheus-метрики конвейера.
var (
	pipelineRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ch_pipeline_runs_total",
		Help: "Завершённые запуски конвейера загрузки по результату и шагу отказа.",
	}, []string{"outcome", "step"})
	pipelineStepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ch_pipeline_step_duration_seconds",
		Help:    "Длительность шагов конвейера загрузки.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"step"})
)

// CaptionClient — вызовы Caption Service. Реализуется *captionapi.Client.
type CaptionClient interface {
	Presign(ctx context.Context, token, contentType string) (*captionapi.PresignedTarget, error)
	Upload(ctx context.Context, target *captionapi.PresignedTarget, contentType string, body io.Reader, size int64) error
	Register(ctx context.Context, token, imageURL string) (string, error)
	GenerateCaptions(ctx context.Context, token, imageID string) ([]*model.Caption, error)
}

// CacheInvalidator — сброс кэша списка подписей после генерации.
type CacheInvalidator interface {
	Invalidate()
}

// UploadRequest — файл, выбранный пользователем.
type UploadRequest struct {
	// Body — содержимое файла
	Body io.Reader
	// ContentType — MIME-тип файла
	ContentType string
	// Size — размер в байтах (0 — неизвестен)
	Size int64
	// Filename — исходное имя файла (только для логов)
	Filename string
}

// UploadResult — результат успешного запуска конвейера.
type UploadResult struct {
	// Captions — новые подписи в порядке, заданном Caption Service
	Captions []*model.Caption
	// ImageID — идентификатор зарегистрированного изображения
	ImageID string
	// History — переходы конечного автомата
	History []pipeline.TransitionRecord
}

// Orchestrator — оркестратор конвейера загрузки.
type Orchestrator struct {
	client      CaptionClient
	invalidator CacheInvalidator
	inflight    *inflightRegistry
	logger      *slog.Logger
}

// NewOrchestrator создаёт оркестратор. invalidator может быть nil.
func NewOrchestrator(client CaptionClient, invalidator CacheInvalidator, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		client:      client,
		invalidator: invalidator,
		inflight:    newInflightRegistry(),
		logger:      logger.With(slog.String("component", "upload_orchestrator")),
	}
}

// Run выполняет конвейер для одного файла и одного пользователя.
//
// Ошибки:
//   - ErrInvalidInput — нет файла, MIME-типа или токена (сетевых вызовов нет)
//   - *pipeline.StepError — отказ шага (errors.Is с ErrPresign, ErrUpload,
//     ErrRegistration, ErrGeneration, а при отмене ещё и context.Canceled)
//   - ErrUploadSuperseded — загрузка отменена более новой загрузкой пользователя
func (o *Orchestrator) Run(ctx context.Context, principal *model.Principal, req UploadRequest) (*UploadResult, error) {
	if err := validateUpload(principal, req); err != nil {
		pipelineRunsTotal.WithLabelValues("invalid", "").Inc()
		return nil, err
	}

	runCtx, release := o.inflight.acquire(ctx, principal.Subject)
	defer release()

	start := time.Now()
	m := pipeline.NewMachine()

	res, err := o.execute(runCtx, m, principal.AccessToken, req)

	// Каждый запуск завершается ровно одним конечным состоянием.
	select {
	case <-m.Done():
	default:
		if err == nil {
			err = errors.New("конвейер не достиг конечного состояния")
		}
		_ = m.Fail(err)
	}

	if err != nil {
		if errors.Is(context.Cause(runCtx), ErrUploadSuperseded) {
			err = fmt.Errorf("%w: %w", ErrUploadSuperseded, err)
		}
		o.finish(m, principal, req, start, err)
		return nil, err
	}

	if o.invalidator != nil {
		o.invalidator.Invalidate()
	}
	res.History = m.History()
	o.finish(m, principal, req, start, nil)
	return res, nil
}

// execute проходит шаги конвейера, переводя m в done или failed.
func (o *Orchestrator) execute(ctx context.Context, m *pipeline.Machine, token string, req UploadRequest) (*UploadResult, error) {
	if err := m.Start(); err != nil {
		return nil, err
	}

	var target *captionapi.PresignedTarget
	if err := o.step(ctx, m, pipeline.StepPresign, func(ctx context.Context) (err error) {
		target, err = o.client.Presign(ctx, token, req.ContentType)
		return err
	}); err != nil {
		return nil, err
	}

	if err := o.step(ctx, m, pipeline.StepUpload, func(ctx context.Context) error {
		return o.client.Upload(ctx, target, req.ContentType, req.Body, req.Size)
	}); err != nil {
		return nil, err
	}

	var imageID string
	if err := o.step(ctx, m, pipeline.StepRegister, func(ctx context.Context) (err error) {
		imageID, err = o.client.Register(ctx, token, target.CDNURL)
		return err
	}); err != nil {
		return nil, err
	}

	var captions []*model.Caption
	if err := o.step(ctx, m, pipeline.StepGenerate, func(ctx context.Context) (err error) {
		captions, err = o.client.GenerateCaptions(ctx, token, imageID)
		return err
	}); err != nil {
		return nil, err
	}

	if captions == nil {
		captions = []*model.Caption{}
	}
	return &UploadResult{Captions: captions, ImageID: imageID}, nil
}

// step выполняет один шаг. Перед шагом проверяется отмена контекста.
func (o *Orchestrator) step(ctx context.Context, m *pipeline.Machine, step pipeline.Step, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		stepErr := pipeline.NewStepError(step, err)
		_ = m.Fail(stepErr)
		return stepErr
	}

	start := time.Now()
	err := fn(ctx)
	pipelineStepDuration.WithLabelValues(string(step)).Observe(time.Since(start).Seconds())

	if err != nil {
		stepErr := toStepError(step, err)
		_ = m.Fail(stepErr)
		return stepErr
	}
	return m.Complete(step)
}

// finish фиксирует итог запуска: одна запись метрики и одна строка лога.
func (o *Orchestrator) finish(m *pipeline.Machine, principal *model.Principal, req UploadRequest, start time.Time, err error) {
	attrs := []any{
		slog.String("profile_id", principal.Subject),
		slog.Int("inflight_principals", o.inflight.active()),
		slog.String("content_type", req.ContentType),
		slog.String("filename", req.Filename),
		slog.Int64("size", req.Size),
		slog.String("state", string(m.Current())),
		slog.Duration("duration", time.Since(start)),
	}

	if err == nil {
		pipelineRunsTotal.WithLabelValues("done", "").Inc()
		o.logger.Info("Конвейер загрузки завершён", attrs...)
		return
	}

	step, _ := m.FailedStep()
	outcome := "failed"
	switch {
	case errors.Is(err, ErrUploadSuperseded):
		outcome = "superseded"
	case errors.Is(err, context.Canceled):
		outcome = "canceled"
	}
	pipelineRunsTotal.WithLabelValues(outcome, string(step)).Inc()

	cause := m.Err()
	if cause == nil {
		cause = err
	}
	attrs = append(attrs,
		slog.String("outcome", outcome),
		slog.String("step", string(step)),
		slog.String("error", cause.Error()),
	)
	if outcome == "failed" {
		o.logger.Warn("Конвейер загрузки прерван", attrs...)
	} else {
		o.logger.Info("Конвейер загрузки отменён", attrs...)
	}
}

// validateUpload проверяет наличие файла, MIME-типа и токена.
func validateUpload(principal *model.Principal, req UploadRequest) error {
	switch {
	case principal == nil || principal.AccessToken == "":
		return fmt.Errorf("%w: нет активной сессии", ErrInvalidInput)
	case principal.Subject == "":
		return fmt.Errorf("%w: не определён пользователь", ErrInvalidInput)
	case req.Body == nil:
		return fmt.Errorf("%w: файл не выбран", ErrInvalidInput)
	case req.ContentType == "":
		return fmt.Errorf("%w: не указан MIME-тип файла", ErrInvalidInput)
	}
	return nil
}

// toStepError оборачивает ошибку клиента в ошибку шага, сохраняя HTTP-статус
// и сообщение сервера.
func toStepError(step pipeline.Step, err error) *pipeline.StepError {
	var apiErr *captionapi.APIError
	if errors.As(err, &apiErr) {
		return &pipeline.StepError{
			Step:       step,
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Message,
			Err:        err,
		}
	}
	return pipeline.NewStepError(step, err)
}
