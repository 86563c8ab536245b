// pathogens.go — обработчики CRUD для патогенов.
package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/OpenUpSA/agari-folio/internal/domain/model"
)

// pathogenResponse — представление патогена в ответах API.
type pathogenResponse struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	ScientificName string    `json:"scientific_name"`
	Description    string    `json:"description"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// pathogenListResponse — страница списка патогенов.
type pathogenListResponse struct {
	Items  []pathogenResponse `json:"items"`
	Total  int                `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

// pathogenRequest — тело запросов создания и полного обновления.
type pathogenRequest struct {
	Name           string `json:"name"`
	ScientificName string `json:"scientific_name"`
	Description    string `json:"description"`
}

// pathogenPatchRequest — тело частичного обновления; nil-поля не меняются.
type pathogenPatchRequest struct {
	Name           *string `json:"name"`
	ScientificName *string `json:"scientific_name"`
	Description    *string `json:"description"`
}

func toPathogenResponse(p *model.Pathogen) pathogenResponse {
	return pathogenResponse{
		ID:             p.ID,
		Name:           p.Name,
		ScientificName: p.ScientificName,
		Description:    p.Description,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

// ListPathogens — GET /pathogens.
func (h *APIHandler) ListPathogens(w http.ResponseWriter, r *http.Request) {
	limit, offset := paginationParams(r)

	items, total, err := h.pathogens.List(r.Context(), limit, offset)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	resp := pathogenListResponse{
		Items:  make([]pathogenResponse, 0, len(items)),
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}
	for _, p := range items {
		resp.Items = append(resp.Items, toPathogenResponse(p))
	}

	writeJSON(w, http.StatusOK, resp)
}

// CreatePathogen — POST /pathogens.
func (h *APIHandler) CreatePathogen(w http.ResponseWriter, r *http.Request) {
	var req pathogenRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := h.pathogens.Create(r.Context(), req.Name, req.ScientificName, req.Description)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toPathogenResponse(p))
}

// GetPathogen — GET /pathogens/{id}.
func (h *APIHandler) GetPathogen(w http.ResponseWriter, r *http.Request) {
	p, err := h.pathogens.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toPathogenResponse(p))
}

// UpdatePathogen — PUT /pathogens/{id}. Полное обновление.
func (h *APIHandler) UpdatePathogen(w http.ResponseWriter, r *http.Request) {
	var req pathogenRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := h.pathogens.Update(r.Context(), chi.URLParam(r, "id"), req.Name, req.ScientificName, req.Description)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toPathogenResponse(p))
}

// PatchPathogen — PATCH /pathogens/{id}. Частичное обновление.
func (h *APIHandler) PatchPathogen(w http.ResponseWriter, r *http.Request) {
	var req pathogenPatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := h.pathogens.Patch(r.Context(), chi.URLParam(r, "id"), &model.PathogenPatch{
		Name:           req.Name,
		ScientificName: req.ScientificName,
		Description:    req.Description,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toPathogenResponse(p))
}

// DeletePathogen — DELETE /pathogens/{id}. Soft delete с защитой от
// удаления при живых проектах.
func (h *APIHandler) DeletePathogen(w http.ResponseWriter, r *http.Request) {
	if err := h.pathogens.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
