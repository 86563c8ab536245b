// Пакет errors — конструкторы стандартных ошибок в формате Folio.
// Единый формат: {"error": "..."}. Отказ в доступе (403) дополнительно
// несёт недостающие и имеющиеся разрешения для диагностики.
// Все HTTP-ответы с ошибками должны использовать WriteError или Forbidden.
package errors

import (
	"encoding/json"
	"net/http"
)

// errorBody — структура тела ответа ошибки.
type errorBody struct {
	Error string `json:"error"`
}

// forbiddenBody — тело 403 с деталями разрешений.
type forbiddenBody struct {
	Error           string   `json:"error"`
	Missing         []string `json:"missing"`
	UserPermissions []string `json:"user_permissions"`
	RPTPermissions  []string `json:"rpt_permissions"`
}

// WriteError записывает ответ ошибки в стандартном формате Folio.
func WriteError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{Error: message})
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, message)
}

// NotFound — 404 объект не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, message)
}

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, message)
}

// Forbidden — 403 недостаточно прав. missing — недостающие скоупы,
// userPerms — скоупы пользователя, rptPerms — скоупы из RPT.
func Forbidden(w http.ResponseWriter, message string, missing, userPerms, rptPerms []string) {
	if missing == nil {
		missing = []string{}
	}
	if userPerms == nil {
		userPerms = []string{}
	}
	if rptPerms == nil {
		rptPerms = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(forbiddenBody{
		Error:           message,
		Missing:         missing,
		UserPermissions: userPerms,
		RPTPermissions:  rptPerms,
	})
}

// Conflict — 409 конфликт (дублирующийся объект или живые зависимости).
func Conflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, message)
}

// IDPUnavailable — 502 Keycloak недоступен.
func IDPUnavailable(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadGateway, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, message)
}
