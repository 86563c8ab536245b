// studies.go — обработчики studies: CRUD плюс операции над объектами
// Keycloak study. Создание включает регистрацию в SONG токеном вызывающего.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/OpenUpSA/agari-folio/internal/api/errors"
	"github.com/OpenUpSA/agari-folio/internal/api/middleware"
	"github.com/OpenUpSA/agari-folio/internal/domain/model"
	"github.com/OpenUpSA/agari-folio/internal/service"
)

// dateLayout — формат дат start_date/end_date в API.
const dateLayout = "2006-01-02"

// studyResponse — представление study в ответах API.
type studyResponse struct {
	ID            string    `json:"id"`
	StudyID       string    `json:"study_id"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	Organization  string    `json:"organization"`
	CreatorUserID string    `json:"creator_user_id"`
	ProjectID     string    `json:"project_id"`
	StartDate     *string   `json:"start_date"`
	EndDate       *string   `json:"end_date"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// studyCreatedResponse — ответ создания: study плюс статусы побочных эффектов.
type studyCreatedResponse struct {
	studyResponse
	SongCreated     bool                    `json:"song_created"`
	KeycloakCreated service.ProvisionStatus `json:"keycloak_created"`
}

// studyListResponse — страница списка studies.
type studyListResponse struct {
	Items  []studyResponse `json:"items"`
	Total  int             `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

// createStudyRequest — тело создания study; даты в формате YYYY-MM-DD.
type createStudyRequest struct {
	StudyID      string `json:"study_id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	Organization string `json:"organization"`
	ProjectID    string `json:"project_id"`
	StartDate    string `json:"start_date"`
	EndDate      string `json:"end_date"`
}

// studyPatchRequest — тело частичного обновления; study_id не меняется.
type studyPatchRequest struct {
	Name         *string `json:"name"`
	Description  *string `json:"description"`
	Organization *string `json:"organization"`
	StartDate    *string `json:"start_date"`
	EndDate      *string `json:"end_date"`
}

func formatDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(dateLayout)
	return &s
}

// parseDate разбирает опциональную дату; пустая строка — nil.
func parseDate(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// errEmptyPatchDate — пустая строка в дате PATCH-запроса.
var errEmptyPatchDate = errors.New("пустая дата в PATCH")

// parsePatchDate разбирает дату из PATCH-запроса. Пустая строка
// отвергается: сброс даты в null через PATCH не поддерживается,
// молча трактовать "" как «не менять» — ловушка для клиента.
func parsePatchDate(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, errEmptyPatchDate
	}
	return parseDate(raw)
}

func toStudyResponse(s *model.Study) studyResponse {
	return studyResponse{
		ID:            s.ID,
		StudyID:       s.StudyID,
		Name:          s.Name,
		Description:   s.Description,
		Organization:  s.Organization,
		CreatorUserID: s.CreatorUserID,
		ProjectID:     s.ProjectID,
		StartDate:     formatDate(s.StartDate),
		EndDate:       formatDate(s.EndDate),
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

// ListStudies — GET /studies. Поддерживает фильтр ?project_id=.
func (h *APIHandler) ListStudies(w http.ResponseWriter, r *http.Request) {
	limit, offset := paginationParams(r)

	var projectID *string
	if raw := r.URL.Query().Get("project_id"); raw != "" {
		projectID = &raw
	}

	items, total, err := h.studies.List(r.Context(), projectID, limit, offset)
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

// CreateStudy — POST /studies. Строка БД авторитетна: сбои SONG и
// Keycloak отражаются во флагах song_created/keycloak_created, статус — 201.
func (h *APIHandler) CreateStudy(w http.ResponseWriter, r *http.Request) {
	var req createStudyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	startDate, err := parseDate(req.StartDate)
	if err != nil {
		apierrors.ValidationError(w, "Некорректная start_date: ожидается YYYY-MM-DD")
		return
	}
	endDate, err := parseDate(req.EndDate)
	if err != nil {
		apierrors.ValidationError(w, "Некорректная end_date: ожидается YYYY-MM-DD")
		return
	}

	input := service.CreateStudyInput{
		StudyID:      req.StudyID,
		Name:         req.Name,
		Description:  req.Description,
		Organization: req.Organization,
		ProjectID:    req.ProjectID,
		StartDate:    startDate,
		EndDate:      endDate,
	}
	if identity := middleware.IdentityFromContext(r.Context()); identity != nil {
		input.CreatorUserID = identity.Subject
		input.CreatorUsername = identity.Username
		input.UserToken = identity.Token
	}

	result, err := h.studies.Create(r.Context(), input)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, studyCreatedResponse{
		studyResponse:   toStudyResponse(result.Study),
		SongCreated:     result.SongCreated,
		KeycloakCreated: result.Keycloak,
	})
}

// GetStudy — GET /studies/{id}.
func (h *APIHandler) GetStudy(w http.ResponseWriter, r *http.Request) {
	st, err := h.studies.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toStudyResponse(st))
}

// PatchStudy — PATCH /studies/{id}. Частичное обновление; study_id не меняется.
func (h *APIHandler) PatchStudy(w http.ResponseWriter, r *http.Request) {
	var req studyPatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	patch := &model.StudyPatch{
		Name:         req.Name,
		Description:  req.Description,
		Organization: req.Organization,
	}
	if req.StartDate != nil {
		t, err := parsePatchDate(*req.StartDate)
		if err != nil {
			apierrors.ValidationError(w, "Некорректная start_date: ожидается непустая дата YYYY-MM-DD")
			return
		}
		patch.StartDate = t
	}
	if req.EndDate != nil {
		t, err := parsePatchDate(*req.EndDate)
		if err != nil {
			apierrors.ValidationError(w, "Некорректная end_date: ожидается непустая дата YYYY-MM-DD")
			return
		}
		patch.EndDate = t
	}

	st, err := h.studies.Patch(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toStudyResponse(st))
}

// DeleteStudy — DELETE /studies/{id}. Soft delete; объекты Keycloak и
// запись SONG не трогаются.
func (h *APIHandler) DeleteStudy(w http.ResponseWriter, r *http.Request) {
	if err := h.studies.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- Объекты Keycloak study ---

// GetStudyResource — GET /studies/{studyId}/resource.
func (h *APIHandler) GetStudyResource(w http.ResponseWriter, r *http.Request) {
	studyID := chi.URLParam(r, "id")

	res, err := h.studies.GetResource(r.Context(), studyID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, brokerObjectResponse{
		Message:  "Ресурс study '" + studyID + "' найден",
		Resource: res,
		Status:   "found",
	})
}

// CreateStudyResource — POST /studies/{studyId}/resource.
// Повторная регистрация — 409 со status already_exists.
func (h *APIHandler) CreateStudyResource(w http.ResponseWriter, r *http.Request) {
	studyID := chi.URLParam(r, "id")

	res, err := h.studies.CreateResource(r.Context(), studyID)
	if err != nil {
		h.writeBrokerConflict(w, err, "Ресурс study '"+studyID+"' уже существует")
		return
	}

	writeJSON(w, http.StatusCreated, brokerObjectResponse{
		Message:  "Ресурс study '" + studyID + "' создан",
		Resource: res,
		Status:   "created",
	})
}

// GetStudyGroup — GET /studies/{studyId}/group.
func (h *APIHandler) GetStudyGroup(w http.ResponseWriter, r *http.Request) {
	studyID := chi.URLParam(r, "id")

	group, err := h.studies.GetGroup(r.Context(), studyID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, brokerObjectResponse{
		Message: "Группа study '" + studyID + "' найдена",
		Group:   group,
		Status:  "found",
	})
}

// CreateStudyGroup — POST /studies/{studyId}/group.
// Повторное создание — 409 со status already_exists.
func (h *APIHandler) CreateStudyGroup(w http.ResponseWriter, r *http.Request) {
	studyID := chi.URLParam(r, "id")

	group, err := h.studies.CreateGroup(r.Context(), studyID)
	if err != nil {
		h.writeBrokerConflict(w, err, "Группа study '"+studyID+"' уже существует")
		return
	}

	writeJSON(w, http.StatusCreated, brokerObjectResponse{
		Message: "Группа study '" + studyID + "' создана",
		Group:   group,
		Status:  "created",
	})
}

// ListStudyMembers — GET /studies/{studyId}/group/members.
func (h *APIHandler) ListStudyMembers(w http.ResponseWriter, r *http.Request) {
	studyID := chi.URLParam(r, "id")

	members, err := h.studies.ListMembers(r.Context(), studyID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	views := toMemberViews(members)

	writeJSON(w, http.StatusOK, membersResponse{
		Message: "Члены группы study '" + studyID + "'",
		Members: views,
		Count:   len(views),
		Status:  "found",
	})
}

// AddStudyMember — POST /studies/{studyId}/group/members/{username}.
func (h *APIHandler) AddStudyMember(w http.ResponseWriter, r *http.Request) {
	studyID := chi.URLParam(r, "id")
	username := chi.URLParam(r, "username")

	if err := h.studies.AddMember(r.Context(), studyID, username); err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, memberOpResponse{
		Message:  "Пользователь '" + username + "' добавлен в группу study '" + studyID + "'",
		Username: username,
		Group:    service.GroupName("study", studyID),
		Status:   "added",
	})
}

// RemoveStudyMember — DELETE /studies/{studyId}/group/members/{username}.
func (h *APIHandler) RemoveStudyMember(w http.ResponseWriter, r *http.Request) {
	studyID := chi.URLParam(r, "id")
	username := chi.URLParam(r, "username")

	if err := h.studies.RemoveMember(r.Context(), studyID, username); err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, memberOpResponse{
		Message:  "Пользователь '" + username + "' удалён из группы study '" + studyID + "'",
		Username: username,
		Group:    service.GroupName("study", studyID),
		Status:   "removed",
	})
}
