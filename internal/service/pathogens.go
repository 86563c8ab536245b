// pathogens.go — сервис управления патогенами.
// CRUD с soft delete и cascade protection: патоген с живыми проектами
// удалить нельзя.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/OpenUpSA/agari-folio/internal/domain/model"
	"github.com/OpenUpSA/agari-folio/internal/repository"
)

// PathogenService — сервис управления патогенами.
type PathogenService struct {
	pathogens repository.PathogenRepository
	projects  repository.ProjectRepository
	logger    *slog.Logger
}

// NewPathogenService создаёт сервис патогенов.
func NewPathogenService(
	pathogens repository.PathogenRepository,
	projects repository.ProjectRepository,
	logger *slog.Logger,
) *PathogenService {
	return &PathogenService{
		pathogens: pathogens,
		projects:  projects,
		logger:    logger.With(slog.String("component", "pathogen_service")),
	}
}

// List возвращает живые патогены и их общее количество.
func (s *PathogenService) List(ctx context.Context, limit, offset int) ([]*model.Pathogen, int, error) {
	items, err := s.pathogens.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("получение списка патогенов: %w", err)
	}
	total, err := s.pathogens.Count(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("подсчёт патогенов: %w", err)
	}
	return items, total, nil
}

// Get возвращает живой патоген по UUID.
func (s *PathogenService) Get(ctx context.Context, id string) (*model.Pathogen, error) {
	p, err := s.pathogens.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("получение патогена: %w", err)
	}
	return p, nil
}

// Create создаёт патоген.
func (s *PathogenService) Create(ctx context.Context, name, scientificName, description string) (*model.Pathogen, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: имя патогена обязательно", ErrValidation)
	}

	p := &model.Pathogen{
		ID:             uuid.New().String(),
		Name:           name,
		ScientificName: scientificName,
		Description:    description,
	}

	if err := s.pathogens.Create(ctx, p); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: патоген %q уже существует", ErrConflict, name)
		}
		return nil, fmt.Errorf("создание патогена: %w", err)
	}

	s.logger.Info("Патоген создан",
		slog.String("pathogen_id", p.ID),
		slog.String("name", name),
	)

	return p, nil
}

// Update полностью обновляет патоген (PUT).
func (s *PathogenService) Update(ctx context.Context, id, name, scientificName, description string) (*model.Pathogen, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: имя патогена обязательно", ErrValidation)
	}

	p := &model.Pathogen{
		ID:             id,
		Name:           name,
		ScientificName: scientificName,
		Description:    description,
	}

	if err := s.pathogens.Update(ctx, p); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: патоген %q уже существует", ErrConflict, name)
		}
		return nil, fmt.Errorf("обновление патогена: %w", err)
	}

	return s.Get(ctx, id)
}

// Patch применяет частичное обновление (PATCH); nil-поля не меняются.
func (s *PathogenService) Patch(ctx context.Context, id string, patch *model.PathogenPatch) (*model.Pathogen, error) {
	p, err := s.pathogens.Patch(ctx, id, patch)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: патоген с таким именем уже существует", ErrConflict)
		}
		return nil, fmt.Errorf("частичное обновление патогена: %w", err)
	}
	return p, nil
}

// Delete помечает патоген удалённым.
// Cascade protection: отказ, пока у патогена есть живые проекты.
// Узкое окно гонки между проверкой и удалением принято осознанно.
func (s *PathogenService) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}

	count, err := s.projects.CountLiveByPathogen(ctx, id)
	if err != nil {
		return fmt.Errorf("проверка зависимых проектов: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("%w: у патогена %d живых проектов", ErrCascade, count)
	}

	if err := s.pathogens.SoftDelete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("удаление патогена: %w", err)
	}

	s.logger.Info("Патоген удалён",
		slog.String("pathogen_id", id),
	)

	return nil
}
