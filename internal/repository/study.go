package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/OpenUpSA/agari-folio/internal/domain/model"
)

// StudyRepository — CRUD для таблицы studies.
type StudyRepository interface {
	// Create создаёт study.
	Create(ctx context.Context, s *model.Study) error
	// GetByID возвращает живой study по UUID.
	GetByID(ctx context.Context, id string) (*model.Study, error)
	// GetByStudyID возвращает живой study по внешнему идентификатору.
	GetByStudyID(ctx context.Context, studyID string) (*model.Study, error)
	// List возвращает живые studies с фильтрацией по проекту.
	List(ctx context.Context, projectID *string, limit, offset int) ([]*model.Study, error)
	// Count возвращает количество живых studies с фильтрацией.
	Count(ctx context.Context, projectID *string) (int, error)
	// Patch применяет частичное обновление; nil-поля не меняются.
	Patch(ctx context.Context, id string, patch *model.StudyPatch) (*model.Study, error)
	// SoftDelete помечает study удалённым.
	SoftDelete(ctx context.Context, id string) error
	// CountLiveByProject возвращает количество живых studies проекта.
	// Используется для cascade protection при удалении проекта.
	CountLiveByProject(ctx context.Context, projectID string) (int, error)
}

type studyRepo struct {
	db DBTX
}

// NewStudyRepository создаёт репозиторий studies.
func NewStudyRepository(db DBTX) StudyRepository {
	return &studyRepo{db: db}
}

const studyColumns = `id, study_id, name, description, organization, creator_user_id,
		project_id, start_date, end_date, created_at, updated_at, deleted_at`

// scanStudy сканирует строку в model.Study.
func scanStudy(row pgx.Row) (*model.Study, error) {
	s := &model.Study{}
	err := row.Scan(
		&s.ID, &s.StudyID, &s.Name, &s.Description, &s.Organization, &s.CreatorUserID,
		&s.ProjectID, &s.StartDate, &s.EndDate, &s.CreatedAt, &s.UpdatedAt, &s.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *studyRepo) Create(ctx context.Context, s *model.Study) error {
	query := `
		INSERT INTO studies (id, study_id, name, description, organization,
			creator_user_id, project_id, start_date, end_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		s.ID, s.StudyID, s.Name, s.Description, s.Organization,
		s.CreatorUserID, s.ProjectID, s.StartDate, s.EndDate,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: study с идентификатором %q уже существует", ErrConflict, s.StudyID)
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: проект %s не существует", ErrForeignKey, s.ProjectID)
		}
		return fmt.Errorf("ошибка создания study: %w", err)
	}
	return nil
}

func (r *studyRepo) GetByID(ctx context.Context, id string) (*model.Study, error) {
	query := `SELECT ` + studyColumns + `
		FROM studies
		WHERE id = $1 AND deleted_at IS NULL`

	s, err := scanStudy(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows || isInvalidUUID(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения study: %w", err)
	}
	return s, nil
}

func (r *studyRepo) GetByStudyID(ctx context.Context, studyID string) (*model.Study, error) {
	query := `SELECT ` + studyColumns + `
		FROM studies
		WHERE study_id = $1 AND deleted_at IS NULL`

	s, err := scanStudy(r.db.QueryRow(ctx, query, studyID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения study по идентификатору: %w", err)
	}
	return s, nil
}

func (r *studyRepo) List(ctx context.Context, projectID *string, limit, offset int) ([]*model.Study, error) {
	query := `SELECT ` + studyColumns + `
		FROM studies
		WHERE deleted_at IS NULL AND ($1::uuid IS NULL OR project_id = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.Query(ctx, query, projectID, limit, offset)
	if err != nil {
		if isInvalidUUID(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения списка studies: %w", err)
	}
	defer rows.Close()

	var result []*model.Study
	for rows.Next() {
		s, err := scanStudy(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования study: %w", err)
		}
		result = append(result, s)
	}
	// Кривой uuid в фильтре может всплыть только на итерации
	if err := rows.Err(); err != nil {
		if isInvalidUUID(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка чтения списка studies: %w", err)
	}
	return result, nil
}

func (r *studyRepo) Count(ctx context.Context, projectID *string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM studies WHERE deleted_at IS NULL AND ($1::uuid IS NULL OR project_id = $1)`,
		projectID,
	).Scan(&count)
	if err != nil {
		if isInvalidUUID(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("ошибка подсчёта studies: %w", err)
	}
	return count, nil
}

func (r *studyRepo) Patch(ctx context.Context, id string, patch *model.StudyPatch) (*model.Study, error) {
	// nil-указатель → NULL → COALESCE сохраняет прежнее значение.
	// Обратная сторона: обнулить start_date/end_date через PATCH нельзя,
	// API отвергает пустые даты на входе.
	// StudyID не входит в patch: на него завязаны ресурс, группы и SONG.
	query := `
		UPDATE studies
		SET name = COALESCE($2, name),
			description = COALESCE($3, description),
			organization = COALESCE($4, organization),
			start_date = COALESCE($5, start_date),
			end_date = COALESCE($6, end_date),
			updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING ` + studyColumns

	s, err := scanStudy(r.db.QueryRow(ctx, query,
		id, patch.Name, patch.Description, patch.Organization, patch.StartDate, patch.EndDate,
	))
	if err != nil {
		if err == pgx.ErrNoRows || isInvalidUUID(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка частичного обновления study: %w", err)
	}
	return s, nil
}

func (r *studyRepo) SoftDelete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE studies SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		if isInvalidUUID(err) {
			return ErrNotFound
		}
		return fmt.Errorf("ошибка удаления study: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *studyRepo) CountLiveByProject(ctx context.Context, projectID string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM studies WHERE project_id = $1 AND deleted_at IS NULL`,
		projectID,
	).Scan(&count)
	if err != nil {
		if isInvalidUUID(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("ошибка подсчёта studies проекта: %w", err)
	}
	return count, nil
}
