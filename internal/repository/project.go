package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/OpenUpSA/agari-folio/internal/domain/model"
)

// ProjectRepository — CRUD для таблицы projects.
type ProjectRepository interface {
	// Create создаёт проект.
	Create(ctx context.Context, p *model.Project) error
	// GetByID возвращает живой проект по UUID.
	GetByID(ctx context.Context, id string) (*model.Project, error)
	// GetBySlug возвращает живой проект по slug.
	GetBySlug(ctx context.Context, slug string) (*model.Project, error)
	// List возвращает живые проекты с фильтрацией по патогену.
	List(ctx context.Context, pathogenID *string, limit, offset int) ([]*model.Project, error)
	// Count возвращает количество живых проектов с фильтрацией.
	Count(ctx context.Context, pathogenID *string) (int, error)
	// Patch применяет частичное обновление; nil-поля не меняются.
	Patch(ctx context.Context, id string, patch *model.ProjectPatch) (*model.Project, error)
	// SoftDelete помечает проект удалённым.
	SoftDelete(ctx context.Context, id string) error
	// CountLiveByPathogen возвращает количество живых проектов патогена.
	// Используется для cascade protection при удалении патогена.
	CountLiveByPathogen(ctx context.Context, pathogenID string) (int, error)
}

type projectRepo struct {
	db DBTX
}

// NewProjectRepository создаёт репозиторий проектов.
func NewProjectRepository(db DBTX) ProjectRepository {
	return &projectRepo{db: db}
}

const projectColumns = `id, slug, name, description, organization_id, creator_user_id,
		pathogen_id, created_at, updated_at, deleted_at`

// scanProject сканирует строку в model.Project.
func scanProject(row pgx.Row) (*model.Project, error) {
	p := &model.Project{}
	err := row.Scan(
		&p.ID, &p.Slug, &p.Name, &p.Description, &p.OrganizationID, &p.CreatorUserID,
		&p.PathogenID, &p.CreatedAt, &p.UpdatedAt, &p.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *projectRepo) Create(ctx context.Context, p *model.Project) error {
	query := `
		INSERT INTO projects (id, slug, name, description, organization_id, creator_user_id, pathogen_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		p.ID, p.Slug, p.Name, p.Description, p.OrganizationID, p.CreatorUserID, p.PathogenID,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: проект со slug %q уже существует", ErrConflict, p.Slug)
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: патоген %s не существует", ErrForeignKey, p.PathogenID)
		}
		return fmt.Errorf("ошибка создания проекта: %w", err)
	}
	return nil
}

func (r *projectRepo) GetByID(ctx context.Context, id string) (*model.Project, error) {
	query := `SELECT ` + projectColumns + `
		FROM projects
		WHERE id = $1 AND deleted_at IS NULL`

	p, err := scanProject(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows || isInvalidUUID(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения проекта: %w", err)
	}
	return p, nil
}

func (r *projectRepo) GetBySlug(ctx context.Context, slug string) (*model.Project, error) {
	query := `SELECT ` + projectColumns + `
		FROM projects
		WHERE slug = $1 AND deleted_at IS NULL`

	p, err := scanProject(r.db.QueryRow(ctx, query, slug))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения проекта по slug: %w", err)
	}
	return p, nil
}

func (r *projectRepo) List(ctx context.Context, pathogenID *string, limit, offset int) ([]*model.Project, error) {
	// nil-фильтр → условие $1 IS NULL истинно для всех строк
	query := `SELECT ` + projectColumns + `
		FROM projects
		WHERE deleted_at IS NULL AND ($1::uuid IS NULL OR pathogen_id = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.Query(ctx, query, pathogenID, limit, offset)
	if err != nil {
		if isInvalidUUID(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения списка проектов: %w", err)
	}
	defer rows.Close()

	var result []*model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования проекта: %w", err)
		}
		result = append(result, p)
	}
	// Кривой uuid в фильтре может всплыть только на итерации
	if err := rows.Err(); err != nil {
		if isInvalidUUID(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка чтения списка проектов: %w", err)
	}
	return result, nil
}

func (r *projectRepo) Count(ctx context.Context, pathogenID *string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM projects WHERE deleted_at IS NULL AND ($1::uuid IS NULL OR pathogen_id = $1)`,
		pathogenID,
	).Scan(&count)
	if err != nil {
		if isInvalidUUID(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("ошибка подсчёта проектов: %w", err)
	}
	return count, nil
}

func (r *projectRepo) Patch(ctx context.Context, id string, patch *model.ProjectPatch) (*model.Project, error) {
	// nil-указатель → NULL → COALESCE сохраняет прежнее значение.
	// Slug не входит в patch: на него завязаны ресурс и группы Keycloak.
	query := `
		UPDATE projects
		SET name = COALESCE($2, name),
			description = COALESCE($3, description),
			organization_id = COALESCE($4, organization_id),
			pathogen_id = COALESCE($5, pathogen_id),
			updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING ` + projectColumns

	p, err := scanProject(r.db.QueryRow(ctx, query,
		id, patch.Name, patch.Description, patch.OrganizationID, patch.PathogenID,
	))
	if err != nil {
		if err == pgx.ErrNoRows || isInvalidUUID(err) {
			return nil, ErrNotFound
		}
		if isForeignKeyViolation(err) {
			return nil, fmt.Errorf("%w: патоген не существует", ErrForeignKey)
		}
		return nil, fmt.Errorf("ошибка частичного обновления проекта: %w", err)
	}
	return p, nil
}

func (r *projectRepo) SoftDelete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE projects SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		if isInvalidUUID(err) {
			return ErrNotFound
		}
		return fmt.Errorf("ошибка удаления проекта: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *projectRepo) CountLiveByPathogen(ctx context.Context, pathogenID string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM projects WHERE pathogen_id = $1 AND deleted_at IS NULL`,
		pathogenID,
	).Scan(&count)
	if err != nil {
		if isInvalidUUID(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("ошибка подсчёта проектов патогена: %w", err)
	}
	return count, nil
}
