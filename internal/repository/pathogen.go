package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/OpenUpSA/agari-folio/internal/domain/model"
)

// PathogenRepository — CRUD для таблицы pathogens.
type PathogenRepository interface {
	// Create создаёт патоген.
	Create(ctx context.Context, p *model.Pathogen) error
	// GetByID возвращает живой патоген по UUID.
	GetByID(ctx context.Context, id string) (*model.Pathogen, error)
	// List возвращает живые патогены.
	List(ctx context.Context, limit, offset int) ([]*model.Pathogen, error)
	// Count возвращает количество живых патогенов.
	Count(ctx context.Context) (int, error)
	// Update полностью обновляет патоген (PUT).
	Update(ctx context.Context, p *model.Pathogen) error
	// Patch применяет частичное обновление; nil-поля не меняются.
	Patch(ctx context.Context, id string, patch *model.PathogenPatch) (*model.Pathogen, error)
	// SoftDelete помечает патоген удалённым.
	SoftDelete(ctx context.Context, id string) error
}

type pathogenRepo struct {
	db DBTX
}

// NewPathogenRepository создаёт репозиторий патогенов.
func NewPathogenRepository(db DBTX) PathogenRepository {
	return &pathogenRepo{db: db}
}

func (r *pathogenRepo) Create(ctx context.Context, p *model.Pathogen) error {
	query := `
		INSERT INTO pathogens (id, name, scientific_name, description)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		p.ID, p.Name, p.ScientificName, p.Description,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: патоген с именем %q уже существует", ErrConflict, p.Name)
		}
		return fmt.Errorf("ошибка создания патогена: %w", err)
	}
	return nil
}

func (r *pathogenRepo) GetByID(ctx context.Context, id string) (*model.Pathogen, error) {
	query := `
		SELECT id, name, scientific_name, description, created_at, updated_at, deleted_at
		FROM pathogens
		WHERE id = $1 AND deleted_at IS NULL`

	p := &model.Pathogen{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.Name, &p.ScientificName, &p.Description,
		&p.CreatedAt, &p.UpdatedAt, &p.DeletedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows || isInvalidUUID(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения патогена: %w", err)
	}
	return p, nil
}

func (r *pathogenRepo) List(ctx context.Context, limit, offset int) ([]*model.Pathogen, error) {
	query := `
		SELECT id, name, scientific_name, description, created_at, updated_at, deleted_at
		FROM pathogens
		WHERE deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := r.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка патогенов: %w", err)
	}
	defer rows.Close()

	var result []*model.Pathogen
	for rows.Next() {
		p := &model.Pathogen{}
		if err := rows.Scan(
			&p.ID, &p.Name, &p.ScientificName, &p.Description,
			&p.CreatedAt, &p.UpdatedAt, &p.DeletedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования патогена: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (r *pathogenRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM pathogens WHERE deleted_at IS NULL`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта патогенов: %w", err)
	}
	return count, nil
}

func (r *pathogenRepo) Update(ctx context.Context, p *model.Pathogen) error {
	query := `
		UPDATE pathogens
		SET name = $2, scientific_name = $3, description = $4, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING updated_at`

	err := r.db.QueryRow(ctx, query,
		p.ID, p.Name, p.ScientificName, p.Description,
	).Scan(&p.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows || isInvalidUUID(err) {
			return ErrNotFound
		}
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: патоген с именем %q уже существует", ErrConflict, p.Name)
		}
		return fmt.Errorf("ошибка обновления патогена: %w", err)
	}
	return nil
}

func (r *pathogenRepo) Patch(ctx context.Context, id string, patch *model.PathogenPatch) (*model.Pathogen, error) {
	// nil-указатель → NULL → COALESCE сохраняет прежнее значение
	query := `
		UPDATE pathogens
		SET name = COALESCE($2, name),
			scientific_name = COALESCE($3, scientific_name),
			description = COALESCE($4, description),
			updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING id, name, scientific_name, description, created_at, updated_at, deleted_at`

	p := &model.Pathogen{}
	err := r.db.QueryRow(ctx, query,
		id, patch.Name, patch.ScientificName, patch.Description,
	).Scan(
		&p.ID, &p.Name, &p.ScientificName, &p.Description,
		&p.CreatedAt, &p.UpdatedAt, &p.DeletedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows || isInvalidUUID(err) {
			return nil, ErrNotFound
		}
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: патоген с таким именем уже существует", ErrConflict)
		}
		return nil, fmt.Errorf("ошибка частичного обновления патогена: %w", err)
	}
	return p, nil
}

func (r *pathogenRepo) SoftDelete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE pathogens SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		if isInvalidUUID(err) {
			return ErrNotFound
		}
		return fmt.Errorf("ошибка удаления патогена: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
