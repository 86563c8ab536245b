// studies.go — сервис управления studies.
// Создание study: коммит строки в БД, затем best-effort регистрация
// study в SONG (токеном вызывающего) и provisioning Keycloak.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/OpenUpSA/agari-folio/internal/domain/model"
	"github.com/OpenUpSA/agari-folio/internal/keycloak"
	"github.com/OpenUpSA/agari-folio/internal/repository"
	"github.com/OpenUpSA/agari-folio/internal/songclient"
)

// StudyService — сервис управления studies.
type StudyService struct {
	studies  repository.StudyRepository
	projects repository.ProjectRepository
	kc       *keycloak.Client
	song     *songclient.Client
	prov     *Provisioner
	// autojoin — добавлять ли создателя study в permission-группы
	autojoin bool
	logger   *slog.Logger
}

// NewStudyService создаёт сервис studies.
func NewStudyService(
	studies repository.StudyRepository,
	projects repository.ProjectRepository,
	kc *keycloak.Client,
	song *songclient.Client,
	prov *Provisioner,
	autojoin bool,
	logger *slog.Logger,
) *StudyService {
	return &StudyService{
		studies:  studies,
		projects: projects,
		kc:       kc,
		song:     song,
		prov:     prov,
		autojoin: autojoin,
		logger:   logger.With(slog.String("component", "study_service")),
	}
}

// CreateStudyInput — входные данные создания study.
type CreateStudyInput struct {
	StudyID      string
	Name         string
	Description  string
	Organization string
	ProjectID    string
	StartDate    *time.Time
	EndDate      *time.Time
	// CreatorUserID — sub из токена создателя
	CreatorUserID string
	// CreatorUsername — username создателя
	CreatorUsername string
	// UserToken — токен вызывающего, прокидывается в SONG как есть
	UserToken string
}

// CreateStudyResult — study плюс статусы побочных эффектов создания.
type CreateStudyResult struct {
	Study       *model.Study
	SongCreated bool
	Keycloak    ProvisionStatus
}

// List возвращает живые studies и их общее количество.
// Кривой uuid в фильтре — ErrNotFound, как и несуществующий проект.
func (s *StudyService) List(ctx context.Context, projectID *string, limit, offset int) ([]*model.Study, int, error) {
	items, err := s.studies.List(ctx, projectID, limit, offset)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("получение списка studies: %w", err)
	}
	total, err := s.studies.Count(ctx, projectID)
	if err != nil {
		return nil, 0, fmt.Errorf("подсчёт studies: %w", err)
	}
	return items, total, nil
}

// Get возвращает живую study по UUID.
func (s *StudyService) Get(ctx context.Context, id string) (*model.Study, error) {
	st, err := s.studies.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("получение study: %w", err)
	}
	return st, nil
}

// GetByStudyID возвращает живую study по человекочитаемому study_id.
func (s *StudyService) GetByStudyID(ctx context.Context, studyID string) (*model.Study, error) {
	st, err := s.studies.GetByStudyID(ctx, studyID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("получение study по study_id: %w", err)
	}
	return st, nil
}

// Create создаёт study, регистрирует её в SONG и выполняет provisioning
// Keycloak. Строка БД — авторитетна: сбои SONG и Keycloak понижаются до
// флагов статуса в результате, HTTP-статус создания остаётся 201.
func (s *StudyService) Create(ctx context.Context, in CreateStudyInput) (*CreateStudyResult, error) {
	if len(in.StudyID) < 2 {
		return nil, fmt.Errorf("%w: study_id должен быть не короче 2 символов", ErrValidation)
	}
	if in.Name == "" {
		return nil, fmt.Errorf("%w: имя study обязательно", ErrValidation)
	}
	if in.ProjectID == "" {
		return nil, fmt.Errorf("%w: project_id обязателен", ErrValidation)
	}

	st := &model.Study{
		ID:            uuid.New().String(),
		StudyID:       in.StudyID,
		Name:          in.Name,
		Description:   in.Description,
		Organization:  in.Organization,
		CreatorUserID: in.CreatorUserID,
		ProjectID:     in.ProjectID,
		StartDate:     in.StartDate,
		EndDate:       in.EndDate,
	}

	if err := s.studies.Create(ctx, st); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: study с study_id %q уже существует", ErrConflict, in.StudyID)
		}
		if errors.Is(err, repository.ErrForeignKey) {
			return nil, fmt.Errorf("%w: проект %s не существует", ErrValidation, in.ProjectID)
		}
		return nil, fmt.Errorf("создание study: %w", err)
	}

	s.logger.Info("Study создана",
		slog.String("id", st.ID),
		slog.String("study_id", st.StudyID),
	)

	// Строка закоммичена — дальше best-effort
	songCreated := true
	if err := s.song.CreateStudy(ctx, in.UserToken, st.StudyID, st.Name, st.Description, st.Organization); err != nil {
		songCreated = false
		s.logger.Warn("Не удалось зарегистрировать study в SONG",
			slog.String("study_id", st.StudyID),
			slog.String("error", err.Error()),
		)
	}

	status := s.prov.Provision(ctx, "study", st.StudyID, in.CreatorUsername, s.autojoin)

	return &CreateStudyResult{
		Study:       st,
		SongCreated: songCreated,
		Keycloak:    status,
	}, nil
}

// Patch применяет частичное обновление (PATCH); nil-поля не меняются.
func (s *StudyService) Patch(ctx context.Context, id string, patch *model.StudyPatch) (*model.Study, error) {
	st, err := s.studies.Patch(ctx, id, patch)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("частичное обновление study: %w", err)
	}
	return st, nil
}

// Delete помечает study удалённой.
// Объекты Keycloak и запись SONG не трогаются.
func (s *StudyService) Delete(ctx context.Context, id string) error {
	if err := s.studies.SoftDelete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("удаление study: %w", err)
	}

	s.logger.Info("Study удалена",
		slog.String("id", id),
	)

	return nil
}

// --- Объекты Keycloak study ---

// GetResource возвращает UMA-ресурс study.
func (s *StudyService) GetResource(ctx context.Context, studyID string) (*keycloak.Resource, error) {
	res, err := s.kc.FindResourceByName(ctx, studyID)
	if err != nil {
		if errors.Is(err, keycloak.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrKeycloakUnavailable, err)
	}
	return res, nil
}

// CreateResource регистрирует UMA-ресурс study.
// Ресурс создаётся только для существующей study (иначе ErrNotFound);
// уже существующий ресурс — ErrConflict (единообразный 409).
func (s *StudyService) CreateResource(ctx context.Context, studyID string) (*keycloak.Resource, error) {
	if len(studyID) < 2 {
		return nil, fmt.Errorf("%w: некорректный study_id", ErrValidation)
	}
	if _, err := s.GetByStudyID(ctx, studyID); err != nil {
		return nil, err
	}

	attrs := map[string][]string{
		"study_slug": {studyID},
		"created_by": {"folio-service"},
	}
	res, err := s.kc.CreateResource(ctx, studyID, "Study: "+studyID, ResourceType("study"), resourceScopes, attrs)
	if err != nil {
		if errors.Is(err, keycloak.ErrConflict) {
			return nil, fmt.Errorf("%w: ресурс study %q уже существует", ErrConflict, studyID)
		}
		return nil, fmt.Errorf("%w: %w", ErrKeycloakUnavailable, err)
	}
	return res, nil
}

// GetGroup возвращает umbrella-группу study.
func (s *StudyService) GetGroup(ctx context.Context, studyID string) (*keycloak.Group, error) {
	group, err := s.kc.FindGroupByName(ctx, GroupName("study", studyID))
	if err != nil {
		if errors.Is(err, keycloak.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrKeycloakUnavailable, err)
	}
	return group, nil
}

// CreateGroup создаёт umbrella-группу study.
// Группа создаётся только для существующей study (иначе ErrNotFound);
// уже существующая группа — ErrConflict (единообразный 409).
func (s *StudyService) CreateGroup(ctx context.Context, studyID string) (*keycloak.Group, error) {
	if len(studyID) < 2 {
		return nil, fmt.Errorf("%w: некорректный study_id", ErrValidation)
	}
	if _, err := s.GetByStudyID(ctx, studyID); err != nil {
		return nil, err
	}

	attrs := map[string][]string{
		"study_slug": {studyID},
		"created_by": {"folio-service"},
		"group_type": {"study"},
	}
	group, err := s.kc.CreateGroup(ctx, GroupName("study", studyID), attrs)
	if err != nil {
		if errors.Is(err, keycloak.ErrConflict) {
			return nil, fmt.Errorf("%w: группа study %q уже существует", ErrConflict, studyID)
		}
		return nil, fmt.Errorf("%w: %w", ErrKeycloakUnavailable, err)
	}
	return group, nil
}

// ListMembers возвращает членов umbrella-группы study.
func (s *StudyService) ListMembers(ctx context.Context, studyID string) ([]keycloak.User, error) {
	group, err := s.GetGroup(ctx, studyID)
	if err != nil {
		return nil, err
	}

	members, err := s.kc.ListGroupMembers(ctx, group.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeycloakUnavailable, err)
	}
	return members, nil
}

// AddMember добавляет пользователя в umbrella-группу study.
func (s *StudyService) AddMember(ctx context.Context, studyID, username string) error {
	if username == "" {
		return fmt.Errorf("%w: username обязателен", ErrValidation)
	}

	group, err := s.GetGroup(ctx, studyID)
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

	s.logger.Info("Пользователь добавлен в группу study",
		slog.String("study_id", studyID),
		slog.String("username", username),
	)

	return nil
}

// RemoveMember удаляет пользователя из umbrella-группы study.
func (s *StudyService) RemoveMember(ctx context.Context, studyID, username string) error {
	if username == "" {
		return fmt.Errorf("%w: username обязателен", ErrValidation)
	}

	group, err := s.GetGroup(ctx, studyID)
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

	s.logger.Info("Пользователь удалён из группы study",
		slog.String("study_id", studyID),
		slog.String("username", username),
	)

	return nil
}
