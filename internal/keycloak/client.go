// client.go — HTTP-клиент к Keycloak.
// Service account token получается через Client Credentials flow ЗАНОВО
// на каждый административный вызов: токен не кэшируется, каждая операция
// повторно аутентифицируется.
// Операции: GetServiceToken, ExchangeRPT, CreateResource, FindResourceByName,
// CreateGroup, FindGroupByName, FindUserByUsername, AddUserToGroup,
// RemoveUserFromGroup, ListGroupMembers.
package keycloak

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Sentinel-ошибки клиента.
var (
	// ErrConflict — объект уже существует (HTTP 409).
	ErrConflict = errors.New("объект уже существует в Keycloak")
	// ErrNotFound — объект не найден.
	ErrNotFound = errors.New("объект не найден в Keycloak")
	// ErrTokenExchange — RPT exchange отклонён (невалидный токен).
	ErrTokenExchange = errors.New("Keycloak отклонил обмен токена")
)

// Client — HTTP-клиент к Keycloak.
type Client struct {
	baseURL      string // Базовый URL Keycloak (без trailing slash)
	realm        string // Имя realm
	clientID     string // Client ID (audience RPT exchange и Client Credentials)
	clientSecret string // Client Secret

	httpClient *http.Client
	logger     *slog.Logger
}

// New создаёт клиент к Keycloak.
// baseURL — базовый URL Keycloak (например, http://keycloak:8080).
// realm — имя realm (например, agari).
// clientID, clientSecret — credentials для Client Credentials flow.
// httpClient — HTTP-клиент (может содержать TLS конфигурацию).
func New(baseURL, realm, clientID, clientSecret string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		realm:        realm,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   httpClient,
		logger:       logger.With(slog.String("component", "keycloak_client")),
	}
}

// --- URL helpers ---

// tokenEndpoint возвращает URL endpoint'а получения токена.
func (c *Client) tokenEndpoint() string {
	return fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", c.baseURL, c.realm)
}

// adminBaseURL возвращает базовый URL Admin REST API для realm.
func (c *Client) adminBaseURL() string {
	return fmt.Sprintf("%s/admin/realms/%s", c.baseURL, c.realm)
}

// umaResourceURL возвращает URL UMA Resource Registration API.
func (c *Client) umaResourceURL() string {
	return fmt.Sprintf("%s/realms/%s/authz/protection/resource_set", c.baseURL, c.realm)
}

// --- Аутентификация ---

// GetServiceToken выполняет Client Credentials flow и возвращает
// свежий access token сервисного аккаунта. Токен НЕ кэшируется:
// каждый административный вызов аутентифицируется заново.
func (c *Client) GetServiceToken(ctx context.Context) (string, error) {
	data := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenEndpoint(), strings.NewReader(data.Encode()))
	if err != nil {
		return "", fmt.Errorf("создание запроса токена: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("запрос токена Keycloak: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("Keycloak вернул статус %d при запросе токена: %s", resp.StatusCode, string(body))
	}

	var token TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", fmt.Errorf("декодирование токена Keycloak: %w", err)
	}

	return token.AccessToken, nil
}

// ExchangeRPT обменивает пользовательский access token на RPT-разрешения
// через UMA-ticket grant. Успешный ответ — 200 или 207 (Multi-Status);
// пустой массив разрешений — валидный успех (аутентифицирован, 0 грантов),
// отличимый от ошибки вызова (err != nil). Локальная проверка подписи
// токена не выполняется: Keycloak — единственный авторитет валидности.
func (c *Client) ExchangeRPT(ctx context.Context, userToken string) ([]Permission, error) {
	data := url.Values{
		"grant_type":    {"urn:ietf:params:oauth:grant-type:uma-ticket"},
		"audience":      {c.clientID},
		"response_mode": {"permissions"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenEndpoint(), strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("создание запроса RPT: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+userToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("RPT exchange: %w", err)
	}
	defer resp.Body.Close()

	// 200 OK и 207 Multi-Status — успешный обмен
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusMultiStatus {
		body, _ := io.ReadAll(resp.Body)
		c.logger.Debug("RPT exchange отклонён",
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(body)),
		)
		return nil, fmt.Errorf("%w: статус %d", ErrTokenExchange, resp.StatusCode)
	}

	var permissions []Permission
	if err := json.NewDecoder(resp.Body).Decode(&permissions); err != nil {
		return nil, fmt.Errorf("декодирование RPT-разрешений: %w", err)
	}

	return permissions, nil
}

// --- HTTP helpers ---

// doAuthorized выполняет HTTP-запрос с авторизацией сервисным токеном.
// reqURL — полный URL (Admin API или UMA API).
func (c *Client) doAuthorized(ctx context.Context, method, reqURL string, body any) (*http.Response, error) {
	token, err := c.GetServiceToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("получение сервисного токена: %w", err)
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("сериализация тела запроса: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("создание запроса: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

// decodeResponse декодирует JSON ответ в target.
func decodeResponse(resp *http.Response, target any) error {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("Keycloak API вернул статус %d: %s", resp.StatusCode, string(body))
	}

	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("декодирование ответа Keycloak: %w", err)
		}
	}

	return nil
}

// checkResponse проверяет статус ответа (для запросов без тела ответа).
func checkResponse(resp *http.Response, expectedStatus int) error {
	defer resp.Body.Close()

	if resp.StatusCode != expectedStatus {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("Keycloak API вернул статус %d (ожидался %d): %s",
			resp.StatusCode, expectedStatus, string(body))
	}

	return nil
}

// --- UMA Resources API ---

// CreateResource регистрирует UMA-ресурс.
// name — имя ресурса (slug проекта или studyId).
// displayName — человекочитаемое имя.
// resourceType — тип ресурса (urn:folio:resources:project|study).
// scopes — доступные скоупы (READ, WRITE, ADMIN).
// 409 транслируется в ErrConflict — вызывающий трактует как идемпотентный успех.
func (c *Client) CreateResource(ctx context.Context, name, displayName, resourceType string, scopes []string, attributes map[string][]string) (*Resource, error) {
	createReq := resourceCreateRequest{
		Name:        name,
		DisplayName: displayName,
		Type:        resourceType,
		Scopes:      scopes,
		Attributes:  attributes,
	}

	resp, err := c.doAuthorized(ctx, http.MethodPost, c.umaResourceURL(), createReq)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusConflict {
		resp.Body.Close()
		return nil, fmt.Errorf("ресурс %q: %w", name, ErrConflict)
	}

	var resource Resource
	if err := decodeResponse(resp, &resource); err != nil {
		return nil, fmt.Errorf("CreateResource: %w", err)
	}

	c.logger.Info("UMA-ресурс создан",
		slog.String("name", name),
		slog.String("resource_id", resource.ID),
	)

	return &resource, nil
}

// FindResourceByName ищет UMA-ресурс по имени.
// UMA API не поддерживает фильтрацию по имени напрямую: выполняется
// линейный обход — список идентификаторов, затем GET каждого ресурса
// с фильтрацией по name на стороне клиента. O(n) по числу ресурсов.
// Не найден — ErrNotFound.
func (c *Client) FindResourceByName(ctx context.Context, name string) (*Resource, error) {
	resp, err := c.doAuthorized(ctx, http.MethodGet, c.umaResourceURL(), nil)
	if err != nil {
		return nil, err
	}

	var resourceIDs []string
	if err := decodeResponse(resp, &resourceIDs); err != nil {
		return nil, fmt.Errorf("FindResourceByName: %w", err)
	}

	for _, id := range resourceIDs {
		resResp, err := c.doAuthorized(ctx, http.MethodGet, c.umaResourceURL()+"/"+id, nil)
		if err != nil {
			return nil, err
		}

		var resource Resource
		if err := decodeResponse(resResp, &resource); err != nil {
			return nil, fmt.Errorf("FindResourceByName: ресурс %s: %w", id, err)
		}

		if resource.Name == name {
			return &resource, nil
		}
	}

	return nil, fmt.Errorf("ресурс %q: %w", name, ErrNotFound)
}

// --- Groups API ---

// CreateGroup создаёт группу через Admin REST API.
// Keycloak возвращает ID созданной группы в Location header.
// 409 транслируется в ErrConflict.
func (c *Client) CreateGroup(ctx context.Context, name string, attributes map[string][]string) (*Group, error) {
	createReq := groupCreateRequest{
		Name:       name,
		Path:       "/" + name,
		Attributes: attributes,
	}

	resp, err := c.doAuthorized(ctx, http.MethodPost, c.adminBaseURL()+"/groups", createReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return nil, fmt.Errorf("группа %q: %w", name, ErrConflict)
	}

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("CreateGroup: Keycloak вернул статус %d: %s", resp.StatusCode, string(body))
	}

	// ID созданной группы — в Location header: .../groups/{id}
	location := resp.Header.Get("Location")
	if location == "" {
		return nil, fmt.Errorf("CreateGroup: отсутствует Location header в ответе")
	}

	parts := strings.Split(location, "/")
	groupID := parts[len(parts)-1]

	c.logger.Info("Группа создана",
		slog.String("name", name),
		slog.String("group_id", groupID),
	)

	return &Group{
		ID:         groupID,
		Name:       name,
		Path:       "/" + name,
		Attributes: attributes,
	}, nil
}

// FindGroupByName ищет группу по имени: список групп realm,
// фильтрация по name на стороне клиента. Не найдена — ErrNotFound.
func (c *Client) FindGroupByName(ctx context.Context, name string) (*Group, error) {
	resp, err := c.doAuthorized(ctx, http.MethodGet, c.adminBaseURL()+"/groups", nil)
	if err != nil {
		return nil, err
	}

	var groups []Group
	if err := decodeResponse(resp, &groups); err != nil {
		return nil, fmt.Errorf("FindGroupByName: %w", err)
	}

	for i := range groups {
		if groups[i].Name == name {
			return &groups[i], nil
		}
	}

	return nil, fmt.Errorf("группа %q: %w", name, ErrNotFound)
}

// ListGroupMembers возвращает членов группы.
func (c *Client) ListGroupMembers(ctx context.Context, groupID string) ([]User, error) {
	resp, err := c.doAuthorized(ctx, http.MethodGet, c.adminBaseURL()+"/groups/"+groupID+"/members", nil)
	if err != nil {
		return nil, err
	}

	var members []User
	if err := decodeResponse(resp, &members); err != nil {
		return nil, fmt.Errorf("ListGroupMembers: %w", err)
	}

	return members, nil
}

// --- Users API ---

// FindUserByUsername ищет пользователя по точному username.
// Пустой результат поиска — ErrNotFound.
func (c *Client) FindUserByUsername(ctx context.Context, username string) (*User, error) {
	reqURL := fmt.Sprintf("%s/users?username=%s&exact=true", c.adminBaseURL(), url.QueryEscape(username))

	resp, err := c.doAuthorized(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	var users []User
	if err := decodeResponse(resp, &users); err != nil {
		return nil, fmt.Errorf("FindUserByUsername: %w", err)
	}

	if len(users) == 0 {
		return nil, fmt.Errorf("пользователь %q: %w", username, ErrNotFound)
	}

	// exact=true — не более одного совпадения
	return &users[0], nil
}

// AddUserToGroup добавляет пользователя в группу (204 No Content).
func (c *Client) AddUserToGroup(ctx context.Context, userID, groupID string) error {
	resp, err := c.doAuthorized(ctx, http.MethodPut, c.adminBaseURL()+"/users/"+userID+"/groups/"+groupID, nil)
	if err != nil {
		return err
	}

	if err := checkResponse(resp, http.StatusNoContent); err != nil {
		return fmt.Errorf("AddUserToGroup: %w", err)
	}
	return nil
}

// RemoveUserFromGroup удаляет пользователя из группы (204 No Content).
func (c *Client) RemoveUserFromGroup(ctx context.Context, userID, groupID string) error {
	resp, err := c.doAuthorized(ctx, http.MethodDelete, c.adminBaseURL()+"/users/"+userID+"/groups/"+groupID, nil)
	if err != nil {
		return err
	}

	if err := checkResponse(resp, http.StatusNoContent); err != nil {
		return fmt.Errorf("RemoveUserFromGroup: %w", err)
	}
	return nil
}

// --- Readiness checker ---

// CheckReady проверяет доступность Keycloak: запрос сервисного токена.
// Реализует handlers.ReadinessChecker.
func (c *Client) CheckReady() (string, string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.GetServiceToken(ctx); err != nil {
		return "fail", fmt.Sprintf("Keycloak недоступен: %v", err)
	}

	return "ok", fmt.Sprintf("realm %s доступен", c.realm)
}
