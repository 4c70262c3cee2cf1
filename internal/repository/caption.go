package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/captionhub/internal/domain/model"
)

// CaptionRepository — чтение таблицы captions.
// Подписи создаются Caption Service, captionhub их только читает.
type CaptionRepository interface {
	// List возвращает подписи, новые первыми.
	List(ctx context.Context, limit, offset int) ([]*model.Caption, error)
	// Count возвращает общее количество подписей.
	Count(ctx context.Context) (int, error)
	// GetByID возвращает подпись по UUID.
	GetByID(ctx context.Context, id uuid.UUID) (*model.Caption, error)
}

type captionRepo struct {
	db DBTX
}

// NewCaptionRepository создаёт репозиторий подписей.
func NewCaptionRepository(db DBTX) CaptionRepository {
	return &captionRepo{db: db}
}

const captionColumns = `id, content, image_id, created_datetime_utc`

func scanCaption(row pgx.Row) (*model.Caption, error) {
	c := &model.Caption{}
	err := row.Scan(&c.ID, &c.Content, &c.ImageID, &c.CreatedAt)
	return c, err
}

func (r *captionRepo) List(ctx context.Context, limit, offset int) ([]*model.Caption, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM captions
		ORDER BY created_datetime_utc DESC, id DESC
		LIMIT $1 OFFSET $2`, captionColumns)

	rows, err := r.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка подписей: %w", err)
	}
	defer rows.Close()

	result := make([]*model.Caption, 0, limit)
	for rows.Next() {
		c, err := scanCaption(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования подписи: %w", err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (r *captionRepo) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM captions`).Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта подписей: %w", err)
	}
	return count, nil
}

func (r *captionRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Caption, error) {
	query := fmt.Sprintf(`SELECT %s FROM captions WHERE id = $1`, captionColumns)
	c, err := scanCaption(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения подписи: %w", err)
	}
	return c, nil
}
