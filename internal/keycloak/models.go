// Пакет keycloak — HTTP-клиент к Keycloak: UMA Resource Registration API,
// Admin REST API (группы, пользователи) и RPT token exchange.
// models.go — модели данных Keycloak.
package keycloak

import "time"

// TokenResponse — ответ на запрос токена через Client Credentials flow.
type TokenResponse struct {
	AccessToken string `json:"access_token"` //nolint:gosec // G117: структура токена OAuth2
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Permission — одно разрешение из RPT (Requesting Party Token).
// Rsname — имя ресурса, Scopes — предоставленные скоупы ресурса.
type Permission struct {
	Rsname string   `json:"rsname"`
	Scopes []string `json:"scopes"`
}

// Resource — UMA-ресурс в Keycloak.
// UMA Resource Registration API возвращает ID в поле "_id".
type Resource struct {
	ID          string              `json:"_id"`
	Name        string              `json:"name"`
	DisplayName string              `json:"displayName"`
	Type        string              `json:"type"`
	Scopes      []string            `json:"scopes"`
	Attributes  map[string][]string `json:"attributes,omitempty"`
}

// Group — группа в Keycloak.
type Group struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Path       string              `json:"path"`
	Attributes map[string][]string `json:"attributes,omitempty"`
}

// User — пользователь в Keycloak.
type User struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Email         string `json:"email"`
	FirstName     string `json:"firstName"`
	LastName      string `json:"lastName"`
	Enabled       bool   `json:"enabled"`
	CreatedAt     int64  `json:"createdTimestamp"`
	EmailVerified bool   `json:"emailVerified"`
}

// CreatedAtTime возвращает CreatedAt как time.Time.
// Keycloak хранит timestamp в миллисекундах.
func (u *User) CreatedAtTime() time.Time {
	return time.UnixMilli(u.CreatedAt)
}

// resourceCreateRequest — запрос на регистрацию UMA-ресурса.
// Поля соответствуют UMA Resource Registration API.
type resourceCreateRequest struct {
	Name        string              `json:"name"`
	DisplayName string              `json:"displayName"`
	Type        string              `json:"type"`
	Scopes      []string            `json:"scopes"`
	Attributes  map[string][]string `json:"attributes,omitempty"`
}

// groupCreateRequest — запрос на создание группы через Admin REST API.
type groupCreateRequest struct {
	Name       string              `json:"name"`
	Path       string              `json:"path,omitempty"`
	Attributes map[string][]string `json:"attributes,omitempty"`
}
