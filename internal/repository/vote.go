package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/captionhub/internal/domain/model"
)

// VoteRepository — CRUD для таблицы caption_votes (без удаления).
type VoteRepository interface {
	// Get возвращает голос пользователя за подпись или ErrNotFound.
	Get(ctx context.Context, captionID uuid.UUID, profileID string) (*model.Vote, error)
	// Insert создаёт голос. ErrConflict, если пара (caption, profile) уже есть;
	// ErrNotFound, если подпись не существует.
	Insert(ctx context.Context, v *model.Vote) error
	// Update меняет значение голоса и modified_datetime_utc. ErrNotFound, если записи нет.
	Update(ctx context.Context, v *model.Vote) error
	// ListByProfile возвращает голоса пользователя, последние изменённые первыми.
	ListByProfile(ctx context.Context, profileID string, limit, offset int) ([]*model.Vote, error)
}

type voteRepo struct {
	db DBTX
}

// NewVoteRepository создаёт репозиторий голосов.
func NewVoteRepository(db DBTX) VoteRepository {
	return &voteRepo{db: db}
}

const voteColumns = `id, caption_id, profile_id, vote_value, created_datetime_utc, modified_datetime_utc`

func scanVote(row pgx.Row) (*model.Vote, error) {
	v := &model.Vote{}
	err := row.Scan(&v.ID, &v.CaptionID, &v.ProfileID, &v.Value, &v.CreatedAt, &v.ModifiedAt)
	return v, err
}

func (r *voteRepo) Get(ctx context.Context, captionID uuid.UUID, profileID string) (*model.Vote, error) {
	query := fmt.Sprintf(`SELECT %s FROM caption_votes WHERE caption_id = $1 AND profile_id = $2`, voteColumns)
	v, err := scanVote(r.db.QueryRow(ctx, query, captionID, profileID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения голоса: %w", err)
	}
	return v, nil
}

func (r *voteRepo) Insert(ctx context.Context, v *model.Vote) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}

	query := `
		INSERT INTO caption_votes (id, caption_id, profile_id, vote_value,
			created_datetime_utc, modified_datetime_utc)
		VALUES ($1, $2, $3, $4, now(), now())
		RETURNING created_datetime_utc, modified_datetime_utc`

	err := r.db.QueryRow(ctx, query, v.ID, v.CaptionID, v.ProfileID, v.Value).
		Scan(&v.CreatedAt, &v.ModifiedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: голос за подпись %s уже существует", ErrConflict, v.CaptionID)
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: подпись %s", ErrNotFound, v.CaptionID)
		}
		return fmt.Errorf("ошибка создания голоса: %w", err)
	}
	return nil
}

func (r *voteRepo) Update(ctx context.Context, v *model.Vote) error {
	query := `
		UPDATE caption_votes
		SET vote_value = $3, modified_datetime_utc = now()
		WHERE caption_id = $1 AND profile_id = $2
		RETURNING id, created_datetime_utc, modified_datetime_utc`

	err := r.db.QueryRow(ctx, query, v.CaptionID, v.ProfileID, v.Value).
		Scan(&v.ID, &v.CreatedAt, &v.ModifiedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("ошибка обновления голоса: %w", err)
	}
	return nil
}

func (r *voteRepo) ListByProfile(ctx context.Context, profileID string, limit, offset int) ([]*model.Vote, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM caption_votes
		WHERE profile_id = $1
		ORDER BY modified_datetime_utc DESC, id DESC
		LIMIT $2 OFFSET $3`, voteColumns)

	rows, err := r.db.Query(ctx, query, profileID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения голосов: %w", err)
	}
	defer rows.Close()

	var result []*model.Vote
	for rows.Next() {
		v, err := scanVote(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования голоса: %w", err)
		}
		result = append(result, v)
	}
	return result, rows.Err()
}
