// projects.go — обработчики проектов: CRUD плюс операции над объектами
// Keycloak проекта (ресурс, группа, члены) и агрегаты.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/OpenUpSA/agari-folio/internal/api/middleware"
	"github.com/OpenUpSA/agari-folio/internal/domain/model"
	"github.com/OpenUpSA/agari-folio/internal/keycloak"
	"github.com/OpenUpSA/agari-folio/internal/service"
)

// projectResponse — представление проекта в ответах API.
type projectResponse struct {
	ID             string    `json:"id"`
	Slug           string    `json:"slug"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	OrganizationID string    `json:"organization_id"`
	CreatorUserID  string    `json:"creator_user_id"`
	PathogenID     string    `json:"pathogen_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// projectCreatedResponse — ответ создания: проект плюс статусы provisioning.
type projectCreatedResponse struct {
	projectResponse
	KeycloakCreated service.ProvisionStatus `json:"keycloak_created"`
}

// projectListResponse — страница списка проектов.
type projectListResponse struct {
	Items  []projectResponse `json:"items"`
	Total  int               `json:"total"`
	Limit  int               `json:"limit"`
	Offset int               `json:"offset"`
}

// createProjectRequest — тело создания проекта.
type createProjectRequest struct {
	Slug           string `json:"slug"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	OrganizationID string `json:"organization_id"`
	PathogenID     string `json:"pathogen_id"`
}

// projectPatchRequest — тело частичного обновления; slug не меняется.
type projectPatchRequest struct {
	Name           *string `json:"name"`
	Description    *string `json:"description"`
	OrganizationID *string `json:"organization_id"`
	PathogenID     *string `json:"pathogen_id"`
}

// brokerObjectResponse — ответ операций над ресурсом/группой Keycloak.
type brokerObjectResponse struct {
	Message  string             `json:"message"`
	Resource *keycloak.Resource `json:"resource,omitempty"`
	Group    *keycloak.Group    `json:"group,omitempty"`
	Status   string             `json:"status"`
}

// membersResponse — ответ списка членов группы.
type membersResponse struct {
	Message string       `json:"message"`
	Members []memberView `json:"members"`
	Count   int          `json:"count"`
	Status  string       `json:"status"`
}

// memberView — член группы в ответе API.
type memberView struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// toMemberViews переводит пользователей Keycloak в ответ API:
// createdTimestamp (миллисекунды) отдаётся как время.
func toMemberViews(users []keycloak.User) []memberView {
	views := make([]memberView, 0, len(users))
	for _, u := range users {
		views = append(views, memberView{
			ID:        u.ID,
			Username:  u.Username,
			Email:     u.Email,
			FirstName: u.FirstName,
			LastName:  u.LastName,
			Enabled:   u.Enabled,
			CreatedAt: u.CreatedAtTime(),
		})
	}
	return views
}

// memberOpResponse — ответ добавления/удаления члена группы.
type memberOpResponse struct {
	Message  string `json:"message"`
	Username string `json:"username"`
	Group    string `json:"group"`
	Status   string `json:"status"`
}

func toProjectResponse(p *model.Project) projectResponse {
	return projectResponse{
		ID:             p.ID,
		Slug:           p.Slug,
		Name:           p.Name,
		Description:    p.Description,
		OrganizationID: p.OrganizationID,
		CreatorUserID:  p.CreatorUserID,
		PathogenID:     p.PathogenID,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

// ListProjects — GET /projects. Поддерживает фильтр ?pathogen_id=.
func (h *APIHandler) ListProjects(w http.ResponseWriter, r *http.Request) {
	limit, offset := paginationParams(r)

	var pathogenID *string
	if raw := r.URL.Query().Get("pathogen_id"); raw != "" {
		pathogenID = &raw
	}

	items, total, err := h.projects.List(r.Context(), pathogenID, limit, offset)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	resp := projectListResponse{
		Items:  make([]projectResponse, 0, len(items)),
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}
	for _, p := range items {
		resp.Items = append(resp.Items, toProjectResponse(p))
	}

	writeJSON(w, http.StatusOK, resp)
}

// CreateProject — POST /projects. Строка БД авторитетна: сбои
// provisioning Keycloak отражаются в keycloak_created, статус — 201.
func (h *APIHandler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var creatorID, creatorName string
	if identity := middleware.IdentityFromContext(r.Context()); identity != nil {
		creatorID = identity.Subject
		creatorName = identity.Username
	}

	p, status, err := h.projects.Create(r.Context(), service.CreateProjectInput{
		Slug:            req.Slug,
		Name:            req.Name,
		Description:     req.Description,
		OrganizationID:  req.OrganizationID,
		PathogenID:      req.PathogenID,
		CreatorUserID:   creatorID,
		CreatorUsername: creatorName,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, projectCreatedResponse{
		projectResponse: toProjectResponse(p),
		KeycloakCreated: status,
	})
}

// GetProject — GET /projects/{id}.
func (h *APIHandler) GetProject(w http.ResponseWriter, r *http.Request) {
	p, err := h.projects.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toProjectResponse(p))
}

// PatchProject — PATCH /projects/{id}. Частичное обновление; slug не меняется.
func (h *APIHandler) PatchProject(w http.ResponseWriter, r *http.Request) {
	var req projectPatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := h.projects.Patch(r.Context(), chi.URLParam(r, "id"), &model.ProjectPatch{
		Name:           req.Name,
		Description:    req.Description,
		OrganizationID: req.OrganizationID,
		PathogenID:     req.PathogenID,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toProjectResponse(p))
}

// DeleteProject — DELETE /projects/{id}. Soft delete с защитой от
// удаления при живых studies.
func (h *APIHandler) DeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := h.projects.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListProjectStudies — GET /projects/{slug}/studies.
func (h *APIHandler) ListProjectStudies(w http.ResponseWriter, r *http.Request) {
	limit, offset := paginationParams(r)

	items, total, err := h.projects.ListStudies(r.Context(), chi.URLParam(r, "id"), limit, offset)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	resp := studyListResponse{
		Items:  make([]studyResponse, 0, len(items)),
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}
	for _, st := range items {
		resp.Items = append(resp.Items, toStudyResponse(st))
	}

	writeJSON(w, http.StatusOK, resp)
}

// projectSummaryResponse — сводка проекта.
type projectSummaryResponse struct {
	projectResponse
	StudyCount  int `json:"study_count"`
	MemberCount int `json:"member_count"`
}

// GetProjectSummary — GET /projects/{slug}/summary.
// member_count = -1, если Keycloak недоступен.
func (h *APIHandler) GetProjectSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.projects.Summary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, projectSummaryResponse{
		projectResponse: toProjectResponse(sum.Project),
		StudyCount:      sum.StudyCount,
		MemberCount:     sum.MemberCount,
	})
}

// ListProjectUsers — GET /projects/{slug}/users. Пользователи
// permission-групп проекта с уровнями доступа.
func (h *APIHandler) ListProjectUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.projects.ListUsers(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"users": users,
		"count": len(users),
	})
}

// --- Объекты Keycloak проекта ---

// GetProjectResource — GET /projects/{slug}/resource.
func (h *APIHandler) GetProjectResource(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "id")

	res, err := h.projects.GetResource(r.Context(), slug)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, brokerObjectResponse{
		Message:  "Ресурс проекта '" + slug + "' найден",
		Resource: res,
		Status:   "found",
	})
}

// CreateProjectResource — POST /projects/{slug}/resource.
// Повторная регистрация — 409 со status already_exists.
func (h *APIHandler) CreateProjectResource(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "id")

	res, err := h.projects.CreateResource(r.Context(), slug)
	if err != nil {
		h.writeBrokerConflict(w, err, "Ресурс проекта '"+slug+"' уже существует")
		return
	}

	writeJSON(w, http.StatusCreated, brokerObjectResponse{
		Message:  "Ресурс проекта '" + slug + "' создан",
		Resource: res,
		Status:   "created",
	})
}

// GetProjectGroup — GET /projects/{slug}/group.
func (h *APIHandler) GetProjectGroup(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "id")

	group, err := h.projects.GetGroup(r.Context(), slug)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, brokerObjectResponse{
		Message: "Группа проекта '" + slug + "' найдена",
		Group:   group,
		Status:  "found",
	})
}

// CreateProjectGroup — POST /projects/{slug}/group.
// Повторное создание — 409 со status already_exists.
func (h *APIHandler) CreateProjectGroup(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "id")

	group, err := h.projects.CreateGroup(r.Context(), slug)
	if err != nil {
		h.writeBrokerConflict(w, err, "Группа проекта '"+slug+"' уже существует")
		return
	}

	writeJSON(w, http.StatusCreated, brokerObjectResponse{
		Message: "Группа проекта '" + slug + "' создана",
		Group:   group,
		Status:  "created",
	})
}

// ListProjectMembers — GET /projects/{slug}/group/members.
func (h *APIHandler) ListProjectMembers(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "id")

	members, err := h.projects.ListMembers(r.Context(), slug)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	views := toMemberViews(members)

	writeJSON(w, http.StatusOK, membersResponse{
		Message: "Члены группы проекта '" + slug + "'",
		Members: views,
		Count:   len(views),
		Status:  "found",
	})
}

// AddProjectMember — POST /projects/{slug}/group/members/{username}.
func (h *APIHandler) AddProjectMember(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "id")
	username := chi.URLParam(r, "username")

	if err := h.projects.AddMember(r.Context(), slug, username); err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, memberOpResponse{
		Message:  "Пользователь '" + username + "' добавлен в группу проекта '" + slug + "'",
		Username: username,
		Group:    service.GroupName("project", slug),
		Status:   "added",
	})
}

// RemoveProjectMember — DELETE /projects/{slug}/group/members/{username}.
func (h *APIHandler) RemoveProjectMember(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "id")
	username := chi.URLParam(r, "username")

	if err := h.projects.RemoveMember(r.Context(), slug, username); err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, memberOpResponse{
		Message:  "Пользователь '" + username + "' удалён из группы проекта '" + slug + "'",
		Username: username,
		Group:    service.GroupName("project", slug),
		Status:   "removed",
	})
}

// writeBrokerConflict маппит ошибку создания объекта Keycloak: конфликт
// даёт 409 со status already_exists, остальное — стандартный маппинг.
func (h *APIHandler) writeBrokerConflict(w http.ResponseWriter, err error, message string) {
	if errors.Is(err, service.ErrConflict) {
		writeJSON(w, http.StatusConflict, brokerObjectResponse{
			Message: message,
			Status:  "already_exists",
		})
		return
	}
	h.writeServiceError(w, err)
}
