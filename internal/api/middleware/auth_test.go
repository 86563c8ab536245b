package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/OpenUpSA/agari-folio/internal/keycloak"
)

// newAuthServer поднимает фейковый token endpoint Keycloak, отвечающий
// на обмен RPT указанным статусом и списком permissions.
func newAuthServer(t *testing.T, status int, permissions []keycloak.Permission) *keycloak.Client {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/realms/agari/protocol/openid-connect/token" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status == http.StatusOK || status == http.StatusMultiStatus {
			_ = json.NewEncoder(w).Encode(permissions)
		} else {
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
		}
	}))
	t.Cleanup(srv.Close)

	return keycloak.New(srv.URL, "agari", "dms", "secret", srv.Client(), slog.Default())
}

// makeToken создаёт подписанный HS256 JWT с указанными identity-claims.
// Подпись не проверяется, важна только разбираемость claims.
func makeToken(t *testing.T, sub, username string) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":                sub,
		"preferred_username": username,
		"email":              username + "@example.org",
		"exp":                time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("подпись токена: %v", err)
	}
	return signed
}

// identityCapture — handler, запоминающий Identity из контекста.
func identityCapture(captured **Identity) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*captured = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

// TestAuthenticate_NoToken проверяет 401 при отсутствии заголовка.
func TestAuthenticate_NoToken(t *testing.T) {
	kc := newAuthServer(t, http.StatusOK, nil)
	auth := NewAuthenticator(kc, "folio", slog.Default())

	tests := []struct {
		name   string
		header string
	}{
		{"нет заголовка", ""},
		{"не Bearer", "Basic dXNlcjpwYXNz"},
		{"пустой Bearer", "Bearer "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/pathogens", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			auth.Authenticate(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Error("handler вызван без токена")
			})).ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("статус = %d, ожидался 401", rec.Code)
			}
			var body map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("разбор тела: %v", err)
			}
			if body["error"] != "No token provided" {
				t.Errorf("error = %q, ожидалось No token provided", body["error"])
			}
		})
	}
}

// TestAuthenticate_InvalidToken проверяет 401 при отказе Keycloak в обмене.
func TestAuthenticate_InvalidToken(t *testing.T) {
	kc := newAuthServer(t, http.StatusUnauthorized, nil)
	auth := NewAuthenticator(kc, "folio", slog.Default())

	req := httptest.NewRequest(http.MethodGet, "/pathogens", nil)
	req.Header.Set("Authorization", "Bearer expired-token")
	rec := httptest.NewRecorder()

	auth.Authenticate(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("handler вызван с невалидным токеном")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("статус = %d, ожидался 401", rec.Code)
	}
	var body map[string]string
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if body["error"] != "Invalid token" {
		t.Errorf("error = %q, ожидалось Invalid token", body["error"])
	}
}

// TestAuthenticate_Success проверяет сбор Identity из RPT и claims.
func TestAuthenticate_Success(t *testing.T) {
	kc := newAuthServer(t, http.StatusOK, []keycloak.Permission{
		{Rsname: "folio", Scopes: []string{"READ", "WRITE"}},
		{Rsname: "project-malaria-gen", Scopes: []string{"ADMIN"}},
	})
	auth := NewAuthenticator(kc, "folio", slog.Default())

	token := makeToken(t, "sub-alice", "alice")
	req := httptest.NewRequest(http.MethodGet, "/pathogens", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	var identity *Identity
	var ctxUsername, ctxToken string
	auth.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity = IdentityFromContext(r.Context())
		ctxUsername = UsernameFromContext(r.Context())
		ctxToken = TokenFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("статус = %d, ожидался 200", rec.Code)
	}
	if identity == nil {
		t.Fatal("Identity не помещена в контекст")
	}
	if identity.Subject != "sub-alice" || ctxUsername != "alice" {
		t.Errorf("identity = %s/%s, ожидалось sub-alice/alice", identity.Subject, ctxUsername)
	}
	if ctxToken != token {
		t.Error("исходный токен не сохранён в Identity")
	}
	for _, sc := range []string{"folio.READ", "folio.WRITE", "project-malaria-gen.ADMIN"} {
		if !identity.Scopes.Has(sc) {
			t.Errorf("скоуп %s отсутствует, имеются: %v", sc, identity.Scopes.List())
		}
	}
}

// TestAuthenticate_MultiStatus проверяет, что 207 считается успешным обменом.
func TestAuthenticate_MultiStatus(t *testing.T) {
	kc := newAuthServer(t, http.StatusMultiStatus, []keycloak.Permission{
		{Rsname: "folio", Scopes: []string{"READ"}},
	})
	auth := NewAuthenticator(kc, "folio", slog.Default())

	req := httptest.NewRequest(http.MethodGet, "/pathogens", nil)
	req.Header.Set("Authorization", "Bearer "+makeToken(t, "sub-bob", "bob"))
	rec := httptest.NewRecorder()

	var identity *Identity
	auth.Authenticate(identityCapture(&identity)).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("статус = %d, ожидался 200", rec.Code)
	}
	if identity == nil || !identity.Scopes.Has("folio.READ") {
		t.Error("скоупы из 207-ответа не собраны")
	}
}

// TestAuthenticate_EmptyPermissions проверяет, что пустой список
// permissions — валидная аутентификация без прав.
func TestAuthenticate_EmptyPermissions(t *testing.T) {
	kc := newAuthServer(t, http.StatusOK, []keycloak.Permission{})
	auth := NewAuthenticator(kc, "folio", slog.Default())

	req := httptest.NewRequest(http.MethodGet, "/auth/test", nil)
	req.Header.Set("Authorization", "Bearer "+makeToken(t, "sub-carol", "carol"))
	rec := httptest.NewRecorder()

	var identity *Identity
	auth.Authenticate(identityCapture(&identity)).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("статус = %d, ожидался 200", rec.Code)
	}
	if identity == nil {
		t.Fatal("Identity не помещена в контекст")
	}
	if got := identity.Scopes.List(); len(got) != 0 {
		t.Errorf("скоупы = %v, ожидался пустой набор", got)
	}
}

// TestAuthenticate_UnparsableClaims проверяет обезличенную identity
// при неразбираемом токене: обмен прошёл, username = unknown.
func TestAuthenticate_UnparsableClaims(t *testing.T) {
	kc := newAuthServer(t, http.StatusOK, []keycloak.Permission{
		{Rsname: "folio", Scopes: []string{"READ"}},
	})
	auth := NewAuthenticator(kc, "folio", slog.Default())

	req := httptest.NewRequest(http.MethodGet, "/pathogens", nil)
	req.Header.Set("Authorization", "Bearer opaque-token")
	rec := httptest.NewRecorder()

	var identity *Identity
	auth.Authenticate(identityCapture(&identity)).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("статус = %d, ожидался 200", rec.Code)
	}
	if identity == nil {
		t.Fatal("Identity не помещена в контекст")
	}
	if identity.Username != "unknown" {
		t.Errorf("username = %q, ожидалось unknown", identity.Username)
	}
	if !identity.Scopes.Has("folio.READ") {
		t.Error("скоупы из RPT должны собираться независимо от claims")
	}
}

// TestAuthenticate_KeycloakDown проверяет 401 при недоступном Keycloak:
// сбой обмена RPT неотличим для вызывающего от невалидного токена.
func TestAuthenticate_KeycloakDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	kc := keycloak.New(srv.URL, "agari", "dms", "secret", srv.Client(), slog.Default())
	srv.Close()
	auth := NewAuthenticator(kc, "folio", slog.Default())

	req := httptest.NewRequest(http.MethodGet, "/pathogens", nil)
	req.Header.Set("Authorization", "Bearer some-token")
	rec := httptest.NewRecorder()

	auth.Authenticate(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("handler вызван при недоступном Keycloak")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("статус = %d, ожидался 401", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Invalid token") {
		t.Errorf("ожидалось сообщение Invalid token, получено: %s", rec.Body.String())
	}
}

// TestRequireScopes проверяет авторизацию по скоупам: допуск, отказ
// с деталями и нормализацию неквалифицированных скоупов.
func TestRequireScopes(t *testing.T) {
	kc := newAuthServer(t, http.StatusOK, []keycloak.Permission{
		{Rsname: "folio", Scopes: []string{"READ"}},
	})
	auth := NewAuthenticator(kc, "folio", slog.Default())

	run := func(required ...string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/auth/test/read", nil)
		req.Header.Set("Authorization", "Bearer "+makeToken(t, "sub-alice", "alice"))
		rec := httptest.NewRecorder()

		handler := auth.Authenticate(
			auth.RequireScopes(required...)(
				http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
					w.WriteHeader(http.StatusOK)
				}),
			),
		)
		handler.ServeHTTP(rec, req)
		return rec
	}

	// Неквалифицированный READ дополняется до folio.READ — допуск
	if rec := run("READ"); rec.Code != http.StatusOK {
		t.Errorf("READ: статус = %d, ожидался 200", rec.Code)
	}

	// WRITE отсутствует — отказ с деталями
	rec := run("READ", "WRITE")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("READ+WRITE: статус = %d, ожидался 403", rec.Code)
	}
	var body struct {
		Error           string   `json:"error"`
		Missing         []string `json:"missing"`
		UserPermissions []string `json:"user_permissions"`
		RPTPermissions  []string `json:"rpt_permissions"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("разбор тела 403: %v", err)
	}
	if len(body.Missing) != 1 || body.Missing[0] != "folio.WRITE" {
		t.Errorf("missing = %v, ожидался [folio.WRITE]", body.Missing)
	}
	if len(body.UserPermissions) != 1 || body.UserPermissions[0] != "folio.READ" {
		t.Errorf("user_permissions = %v, ожидался [folio.READ]", body.UserPermissions)
	}
	if len(body.RPTPermissions) != 1 {
		t.Errorf("rpt_permissions = %v, ожидалась одна запись", body.RPTPermissions)
	}

	// Квалифицированный скоуп другого ресурса — отказ
	if rec := run("project-malaria-gen.ADMIN"); rec.Code != http.StatusForbidden {
		t.Errorf("чужой ресурс: статус = %d, ожидался 403", rec.Code)
	}
}

// TestRequireScopes_NoIdentity проверяет 401 при использовании
// RequireScopes без Authenticate.
func TestRequireScopes_NoIdentity(t *testing.T) {
	kc := newAuthServer(t, http.StatusOK, nil)
	auth := NewAuthenticator(kc, "folio", slog.Default())

	req := httptest.NewRequest(http.MethodGet, "/auth/test/read", nil)
	rec := httptest.NewRecorder()

	auth.RequireScopes("READ")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("handler вызван без identity")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("статус = %d, ожидался 401", rec.Code)
	}
}

// TestNormalizePath проверяет нормализацию путей для метрик.
func TestNormalizePath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"/pathogens", "/pathogens"},
		{"/health/ready", "/health/ready"},
		{"/pathogens/a1b2c3", "/pathogens/{id}"},
		{"/projects/malaria-gen", "/projects/{id}"},
		{"/projects/malaria-gen/resource", "/projects/{id}/resource"},
		{"/projects/malaria-gen/group/members", "/projects/{id}/group/members"},
		{"/projects/malaria-gen/group/members/alice", "/projects/{id}/group/members/{id}"},
		{"/projects/malaria-gen/summary", "/projects/{id}/summary"},
		{"/studies/mal-2026/group", "/studies/{id}/group"},
		{"/auth/test/admin", "/auth/test/admin"},
	}
	for _, tt := range tests {
		if got := normalizePath(tt.input); got != tt.expected {
			t.Errorf("normalizePath(%q) = %q, ожидалось %q", tt.input, got, tt.expected)
		}
	}
}
