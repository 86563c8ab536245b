// auth.go — тестовые endpoints аутентификации и авторизации.
// Позволяют проверить цепочку токен → RPT → скоупы без обращения к данным.
package handlers

import (
	"net/http"

	"github.com/OpenUpSA/agari-folio/internal/api/middleware"
)

// authUser — представление аутентифицированного пользователя в ответах.
type authUser struct {
	UserID      string   `json:"user_id"`
	Username    string   `json:"username"`
	Email       string   `json:"email,omitempty"`
	Permissions []string `json:"permissions"`
}

// authTestResponse — ответ тестовых endpoints.
type authTestResponse struct {
	Message string   `json:"message"`
	User    authUser `json:"user"`
	Action  string   `json:"action,omitempty"`
	Status  string   `json:"status"`
}

// userFromIdentity собирает authUser из Identity контекста.
func userFromIdentity(identity *middleware.Identity) authUser {
	if identity == nil {
		return authUser{Username: "unknown", Permissions: []string{}}
	}
	return authUser{
		UserID:      identity.Subject,
		Username:    identity.Username,
		Email:       identity.Email,
		Permissions: identity.Scopes.List(),
	}
}

// AuthTest — GET /auth/test. Требует только аутентификацию.
func (h *APIHandler) AuthTest(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())

	writeJSON(w, http.StatusOK, authTestResponse{
		Message: "Hello from Folio!",
		User:    userFromIdentity(identity),
		Status:  "authenticated",
	})
}

// AuthTestRead — GET /auth/test/read. Требует скоуп READ.
func (h *APIHandler) AuthTestRead(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())

	writeJSON(w, http.StatusOK, authTestResponse{
		Message: "You have READ access!",
		User:    userFromIdentity(identity),
		Action:  "read",
		Status:  "authorized",
	})
}

// AuthTestWrite — GET /auth/test/write. Требует скоуп WRITE.
func (h *APIHandler) AuthTestWrite(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())

	writeJSON(w, http.StatusOK, authTestResponse{
		Message: "You have WRITE access!",
		User:    userFromIdentity(identity),
		Action:  "write",
		Status:  "authorized",
	})
}

// AuthTestAdmin — POST /auth/test/admin. Требует скоупы READ и WRITE.
func (h *APIHandler) AuthTestAdmin(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())

	writeJSON(w, http.StatusOK, authTestResponse{
		Message: "You have full READ and WRITE access!",
		User:    userFromIdentity(identity),
		Action:  "admin",
		Status:  "authorized",
	})
}
