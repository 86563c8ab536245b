// projects.go — сервис управления проектами.
// Создание проекта: коммит строки в БД, затем best-effort provisioning
// Keycloak (ресурс, группы, членство создателя). Плюс операции над
// объектами Keycloak проекта: ресурс, группа, члены.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/OpenUpSA/agari-folio/internal/domain/model"
	"github.com/OpenUpSA/agari-folio/internal/keycloak"
	"github.com/OpenUpSA/agari-folio/internal/repository"
)

// ProjectService — сервис управления проектами.
type ProjectService struct {
	projects repository.ProjectRepository
	studies  repository.StudyRepository
	kc       *keycloak.Client
	prov     *Provisioner
	logger   *slog.Logger
}

// NewProjectService создаёт сервис проектов.
func NewProjectService(
	projects repository.ProjectRepository,
	studies repository.StudyRepository,
	kc *keycloak.Client,
	prov *Provisioner,
	logger *slog.Logger,
) *ProjectService {
	return &ProjectService{
		projects: projects,
		studies:  studies,
		kc:       kc,
		prov:     prov,
		logger:   logger.With(slog.String("component", "project_service")),
	}
}

// CreateProjectInput — входные данные создания проекта.
type CreateProjectInput struct {
	Slug           string
	Name           string
	Description    string
	OrganizationID string
	PathogenID     string
	// CreatorUserID — sub из токена создателя
	CreatorUserID string
	// CreatorUsername — username создателя для членства в группах
	CreatorUsername string
}

// List возвращает живые проекты и их общее количество.
// Кривой uuid в фильтре — ErrNotFound, как и несуществующий патоген.
func (s *ProjectService) List(ctx context.Context, pathogenID *string, limit, offset int) ([]*model.Project, int, error) {
	items, err := s.projects.List(ctx, pathogenID, limit, offset)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("получение списка проектов: %w", err)
	}
	total, err := s.projects.Count(ctx, pathogenID)
	if err != nil {
		return nil, 0, fmt.Errorf("подсчёт проектов: %w", err)
	}
	return items, total, nil
}

// Get возвращает живой проект по UUID.
func (s *ProjectService) Get(ctx context.Context, id string) (*model.Project, error) {
	p, err := s.projects.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("получение проекта: %w", err)
	}
	return p, nil
}

// GetBySlug возвращает живой проект по slug.
func (s *ProjectService) GetBySlug(ctx context.Context, slug string) (*model.Project, error) {
	p, err := s.projects.GetBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("получение проекта по slug: %w", err)
	}
	return p, nil
}

// Create создаёт проект и выполняет provisioning Keycloak.
// Строка БД — авторитетна: сбои provisioning понижаются до флагов
// статуса, HTTP-статус создания остаётся 201.
func (s *ProjectService) Create(ctx context.Context, in CreateProjectInput) (*model.Project, ProvisionStatus, error) {
	if len(in.Slug) < 2 {
		return nil, ProvisionStatus{}, fmt.Errorf("%w: slug проекта должен быть не короче 2 символов", ErrValidation)
	}
	if in.Name == "" {
		return nil, ProvisionStatus{}, fmt.Errorf("%w: имя проекта обязательно", ErrValidation)
	}
	if in.PathogenID == "" {
		return nil, ProvisionStatus{}, fmt.Errorf("%w: pathogen_id обязателен", ErrValidation)
	}

	p := &model.Project{
		ID:             uuid.New().String(),
		Slug:           in.Slug,
		Name:           in.Name,
		Description:    in.Description,
		OrganizationID: in.OrganizationID,
		CreatorUserID:  in.CreatorUserID,
		PathogenID:     in.PathogenID,
	}

	if err := s.projects.Create(ctx, p); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ProvisionStatus{}, fmt.Errorf("%w: проект со slug %q уже существует", ErrConflict, in.Slug)
		}
		if errors.Is(err, repository.ErrForeignKey) {
			return nil, ProvisionStatus{}, fmt.Errorf("%w: патоген %s не существует", ErrValidation, in.PathogenID)
		}
		return nil, ProvisionStatus{}, fmt.Errorf("создание проекта: %w", err)
	}

	s.logger.Info("Проект создан",
		slog.String("project_id", p.ID),
		slog.String("slug", p.Slug),
	)

	// Строка закоммичена — дальше best-effort
	status := s.prov.Provision(ctx, "project", p.Slug, in.CreatorUsername, true)

	return p, status, nil
}

// Patch применяет частичное обновление (PATCH); nil-поля не меняются.
func (s *ProjectService) Patch(ctx context.Context, id string, patch *model.ProjectPatch) (*model.Project, error) {
	p, err := s.projects.Patch(ctx, id, patch)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		if errors.Is(err, repository.ErrForeignKey) {
			return nil, fmt.Errorf("%w: патоген не существует", ErrValidation)
		}
		return nil, fmt.Errorf("частичное обновление проекта: %w", err)
	}
	return p, nil
}

// Delete помечает проект удалённым.
// Cascade protection: отказ, пока у проекта есть живые studies.
// Объекты Keycloak не удаляются: отзыв доступа — через членство групп.
func (s *ProjectService) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}

	count, err := s.studies.CountLiveByProject(ctx, id)
	if err != nil {
		return fmt.Errorf("проверка зависимых studies: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("%w: у проекта %d живых studies", ErrCascade, count)
	}

	if err := s.projects.SoftDelete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("удаление проекта: %w", err)
	}

	s.logger.Info("Проект удалён",
		slog.String("project_id", id),
	)

	return nil
}

// ListStudies возвращает живые studies проекта.
func (s *ProjectService) ListStudies(ctx context.Context, slug string, limit, offset int) ([]*model.Study, int, error) {
	p, err := s.GetBySlug(ctx, slug)
	if err != nil {
		return nil, 0, err
	}

	items, err := s.studies.List(ctx, &p.ID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("получение studies проекта: %w", err)
	}
	total, err := s.studies.Count(ctx, &p.ID)
	if err != nil {
		return nil, 0, fmt.Errorf("подсчёт studies проекта: %w", err)
	}
	return items, total, nil
}

// --- Объекты Keycloak проекта ---

// GetResource возвращает UMA-ресурс проекта.
func (s *ProjectService) GetResource(ctx context.Context, slug string) (*keycloak.Resource, error) {
	res, err := s.kc.FindResourceByName(ctx, slug)
	if err != nil {
		if errors.Is(err, keycloak.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrKeycloakUnavailable, err)
	}
	return res, nil
}

// CreateResource регистрирует UMA-ресурс проекта.
// Уже существующий ресурс — ErrConflict (единообразный 409).
func (s *ProjectService) CreateResource(ctx context.Context, slug string) (*keycloak.Resource, error) {
	if len(slug) < 2 {
		return nil, fmt.Errorf("%w: некорректный slug проекта", ErrValidation)
	}

	attrs := map[string][]string{
		"project_slug": {slug},
		"created_by":   {"folio-service"},
	}
	res, err := s.kc.CreateResource(ctx, slug, "Project: "+slug, ResourceType("project"), resourceScopes, attrs)
	if err != nil {
		if errors.Is(err, keycloak.ErrConflict) {
			return nil, fmt.Errorf("%w: ресурс проекта %q уже существует", ErrConflict, slug)
		}
		return nil, fmt.Errorf("%w: %w", ErrKeycloakUnavailable, err)
	}
	return res, nil
}

// GetGroup возвращает umbrella-группу проекта.
func (s *ProjectService) GetGroup(ctx context.Context, slug string) (*keycloak.Group, error) {
	group, err := s.kc.FindGroupByName(ctx, GroupName("project", slug))
	if err != nil {
		if errors.Is(err, keycloak.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrKeycloakUnavailable, err)
	}
	return group, nil
}

// CreateGroup создаёт umbrella-группу проекта.
// Уже существующая группа — ErrConflict (единообразный 409).
func (s *ProjectService) CreateGroup(ctx context.Context, slug string) (*keycloak.Group, error) {
	if len(slug) < 2 {
		return nil, fmt.Errorf("%w: некорректный slug проекта", ErrValidation)
	}

	attrs := map[string][]string{
		"project_slug": {slug},
		"created_by":   {"folio-service"},
		"group_type":   {"project"},
	}
	group, err := s.kc.CreateGroup(ctx, GroupName("project", slug), attrs)
	if err != nil {
		if errors.Is(err, keycloak.ErrConflict) {
			return nil, fmt.Errorf("%w: группа проекта %q уже существует", ErrConflict, slug)
		}
		return nil, fmt.Errorf("%w: %w", ErrKeycloakUnavailable, err)
	}
	return group, nil
}

// ListMembers возвращает членов umbrella-группы проекта.
func (s *ProjectService) ListMembers(ctx context.Context, slug string) ([]keycloak.User, error) {
	group, err := s.GetGroup(ctx, slug)
	if err != nil {
		return nil, err
	}

	members, err := s.kc.ListGroupMembers(ctx, group.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeycloakUnavailable, err)
	}
	return members, nil
}

// AddMember добавляет пользователя в umbrella-группу проекта.
func (s *ProjectService) AddMember(ctx context.Context, slug, username string) error {
	if username == "" {
		return fmt.Errorf("%w: username обязателен", ErrValidation)
	}

	group, err := s.GetGroup(ctx, slug)
	if err != nil {
		return err
	}

	user, err := s.kc.FindUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, keycloak.ErrNotFound) {
			return fmt.Errorf("%w: пользователь %q", ErrNotFound, username)
		}
		return fmt.Errorf("%w: %w", ErrKeycloakUnavailable, err)
	}

	if err := s.kc.AddUserToGroup(ctx, user.ID, group.ID); err != nil {
		return fmt.Errorf("добавление пользователя в группу: %w", err)
	}

	s.logger.Info("Пользователь добавлен в группу проекта",
		slog.String("slug", slug),
		slog.String("username", username),
	)

	return nil
}

// RemoveMember удаляет пользователя из umbrella-группы проекта.
func (s *ProjectService) RemoveMember(ctx context.Context, slug, username string) error {
	if username == "" {
		return fmt.Errorf("%w: username обязателен", ErrValidation)
	}

	group, err := s.GetGroup(ctx, slug)
	if err != nil {
		return err
	}

	user, err := s.kc.FindUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, keycloak.ErrNotFound) {
			return fmt.Errorf("%w: пользователь %q", ErrNotFound, username)
		}
		return fmt.Errorf("%w: %w", ErrKeycloakUnavailable, err)
	}

	if err := s.kc.RemoveUserFromGroup(ctx, user.ID, group.ID); err != nil {
		return fmt.Errorf("удаление пользователя из группы: %w", err)
	}

	s.logger.Info("Пользователь удалён из группы проекта",
		slog.String("slug", slug),
		slog.String("username", username),
	)

	return nil
}

// ProjectUser — пользователь проекта с permission-группами, в которых он состоит.
type ProjectUser struct {
	ID          string   `json:"id"`
	Username    string   `json:"username"`
	Email       string   `json:"email"`
	FirstName   string   `json:"first_name"`
	LastName    string   `json:"last_name"`
	Permissions []string `json:"permissions"`
}

// ListUsers возвращает пользователей permission-групп проекта
// с агрегацией по уровням доступа (read/write/admin).
func (s *ProjectService) ListUsers(ctx context.Context, slug string) ([]ProjectUser, error) {
	umbrella := GroupName("project", slug)

	byID := make(map[string]*ProjectUser)
	var order []string
	found := false

	for _, suffix := range permissionSuffixes {
		group, err := s.kc.FindGroupByName(ctx, umbrella+"-"+suffix)
		if err != nil {
			if errors.Is(err, keycloak.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("%w: %w", ErrKeycloakUnavailable, err)
		}
		found = true

		members, err := s.kc.ListGroupMembers(ctx, group.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrKeycloakUnavailable, err)
		}

		for _, m := range members {
			u, ok := byID[m.ID]
			if !ok {
				u = &ProjectUser{
					ID:        m.ID,
					Username:  m.Username,
					Email:     m.Email,
					FirstName: m.FirstName,
					LastName:  m.LastName,
				}
				byID[m.ID] = u
				order = append(order, m.ID)
			}
			u.Permissions = append(u.Permissions, suffix)
		}
	}

	if !found {
		return nil, ErrNotFound
	}

	result := make([]ProjectUser, 0, len(order))
	for _, id := range order {
		result = append(result, *byID[id])
	}
	return result, nil
}

// ProjectSummary — сводка проекта: строка БД плюс агрегаты.
type ProjectSummary struct {
	Project     *model.Project
	StudyCount  int
	MemberCount int
}

// Summary возвращает сводку проекта. Недоступность Keycloak не фатальна:
// MemberCount в этом случае равен -1.
func (s *ProjectService) Summary(ctx context.Context, slug string) (*ProjectSummary, error) {
	p, err := s.GetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}

	studyCount, err := s.studies.CountLiveByProject(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("подсчёт studies проекта: %w", err)
	}

	memberCount := -1
	if members, err := s.ListMembers(ctx, slug); err == nil {
		memberCount = len(members)
	} else {
		s.logger.Warn("Не удалось получить членов группы для сводки",
			slog.String("slug", slug),
			slog.String("error", err.Error()),
		)
	}

	return &ProjectSummary{
		Project:     p,
		StudyCount:  studyCount,
		MemberCount: memberCount,
	}, nil
}
