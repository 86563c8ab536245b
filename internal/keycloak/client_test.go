package keycloak

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"
)

// testLogger создаёт logger для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// setupMockKeycloak создаёт mock HTTP-сервер Keycloak.
// tokenHandler обрабатывает запросы к token endpoint (client credentials и RPT exchange).
// apiHandler обрабатывает запросы к Admin REST API и UMA Resource Registration API.
func setupMockKeycloak(t *testing.T, tokenHandler, apiHandler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()

	mux := http.NewServeMux()

	// Token endpoint
	mux.HandleFunc("/realms/agari/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		if tokenHandler != nil {
			tokenHandler(w, r)
			return
		}
		// Дефолтный ответ: валидный сервисный токен
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(TokenResponse{
			AccessToken: "test-service-token",
			TokenType:   "Bearer",
			ExpiresIn:   300,
		})
	})

	// UMA Resource Registration API
	mux.HandleFunc("/realms/agari/authz/protection/resource_set", func(w http.ResponseWriter, r *http.Request) {
		if apiHandler != nil {
			apiHandler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/realms/agari/authz/protection/resource_set/", func(w http.ResponseWriter, r *http.Request) {
		if apiHandler != nil {
			apiHandler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	// Admin REST API
	mux.HandleFunc("/admin/realms/agari/", func(w http.ResponseWriter, r *http.Request) {
		if apiHandler != nil {
			apiHandler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := New(
		server.URL,
		"agari",
		"dms",
		"test-secret",
		server.Client(),
		testLogger(),
	)

	return server, client
}

// TestClient_ServiceTokenNotCached проверяет, что сервисный токен
// запрашивается заново на каждый административный вызов.
func TestClient_ServiceTokenNotCached(t *testing.T) {
	tokenRequests := 0

	_, client := setupMockKeycloak(t,
		func(w http.ResponseWriter, r *http.Request) {
			tokenRequests++
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(TokenResponse{
				AccessToken: "fresh-token",
				TokenType:   "Bearer",
				ExpiresIn:   300,
			})
		},
		func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode([]Group{})
		},
	)

	ctx := context.Background()

	// Два административных вызова — два запроса токена
	if _, err := client.FindGroupByName(ctx, "g1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ожидалась ErrNotFound, получена: %v", err)
	}
	if _, err := client.FindGroupByName(ctx, "g2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ожидалась ErrNotFound, получена: %v", err)
	}

	if tokenRequests != 2 {
		t.Errorf("ожидалось 2 запроса токена (без кэша), было %d", tokenRequests)
	}
}

// TestClient_ClientCredentialsFlow проверяет формат запроса Client Credentials.
func TestClient_ClientCredentialsFlow(t *testing.T) {
	_, client := setupMockKeycloak(t,
		func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				t.Errorf("ожидался POST, получен %s", r.Method)
			}
			ct := r.Header.Get("Content-Type")
			if ct != "application/x-www-form-urlencoded" {
				t.Errorf("ожидался Content-Type application/x-www-form-urlencoded, получен %s", ct)
			}
			if err := r.ParseForm(); err != nil {
				t.Fatalf("Ошибка парсинга формы: %v", err)
			}
			if r.Form.Get("grant_type") != "client_credentials" {
				t.Errorf("ожидался grant_type=client_credentials, получен %s", r.Form.Get("grant_type"))
			}
			if r.Form.Get("client_id") != "dms" {
				t.Errorf("ожидался client_id=dms, получен %s", r.Form.Get("client_id"))
			}
			if r.Form.Get("client_secret") != "test-secret" {
				t.Errorf("ожидался client_secret=test-secret, получен %s", r.Form.Get("client_secret"))
			}

			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(TokenResponse{
				AccessToken: "ok",
				TokenType:   "Bearer",
				ExpiresIn:   300,
			})
		},
		nil,
	)

	token, err := client.GetServiceToken(context.Background())
	if err != nil {
		t.Fatalf("Ошибка: %v", err)
	}
	if token != "ok" {
		t.Errorf("ожидался токен ok, получен %s", token)
	}
}

// TestClient_TokenError проверяет обработку ошибки получения токена.
func TestClient_TokenError(t *testing.T) {
	_, client := setupMockKeycloak(t,
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"invalid_client"}`))
		},
		nil,
	)

	_, err := client.GetServiceToken(context.Background())
	if err == nil {
		t.Fatal("ожидалась ошибка, получен nil")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("ожидалась ошибка со статусом 401, получена: %v", err)
	}
}

// TestClient_ExchangeRPT проверяет формат запроса и разбор ответа RPT exchange.
func TestClient_ExchangeRPT(t *testing.T) {
	_, client := setupMockKeycloak(t,
		func(w http.ResponseWriter, r *http.Request) {
			// Исходный токен пользователя — в Authorization header
			auth := r.Header.Get("Authorization")
			if auth != "Bearer user-token" {
				t.Errorf("ожидался Bearer user-token, получен %s", auth)
			}
			if err := r.ParseForm(); err != nil {
				t.Fatalf("Ошибка парсинга формы: %v", err)
			}
			if gt := r.Form.Get("grant_type"); gt != "urn:ietf:params:oauth:grant-type:uma-ticket" {
				t.Errorf("неожиданный grant_type: %s", gt)
			}
			if aud := r.Form.Get("audience"); aud != "dms" {
				t.Errorf("ожидался audience=dms, получен %s", aud)
			}
			if rm := r.Form.Get("response_mode"); rm != "permissions" {
				t.Errorf("ожидался response_mode=permissions, получен %s", rm)
			}

			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode([]Permission{
				{Rsname: "folio", Scopes: []string{"READ", "WRITE"}},
				{Rsname: "project-proj1", Scopes: []string{"READ"}},
			})
		},
		nil,
	)

	perms, err := client.ExchangeRPT(context.Background(), "user-token")
	if err != nil {
		t.Fatalf("Ошибка ExchangeRPT: %v", err)
	}
	if len(perms) != 2 {
		t.Fatalf("ожидалось 2 разрешения, получено %d", len(perms))
	}
	if perms[0].Rsname != "folio" || len(perms[0].Scopes) != 2 {
		t.Errorf("неожиданное разрешение: %+v", perms[0])
	}
}

// TestClient_ExchangeRPT_MultiStatus проверяет, что 207 — успех.
func TestClient_ExchangeRPT_MultiStatus(t *testing.T) {
	_, client := setupMockKeycloak(t,
		func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusMultiStatus)
			json.NewEncoder(w).Encode([]Permission{
				{Rsname: "folio", Scopes: []string{"READ"}},
			})
		},
		nil,
	)

	perms, err := client.ExchangeRPT(context.Background(), "user-token")
	if err != nil {
		t.Fatalf("207 должен быть успехом, получена ошибка: %v", err)
	}
	if len(perms) != 1 {
		t.Errorf("ожидалось 1 разрешение, получено %d", len(perms))
	}
}

// TestClient_ExchangeRPT_EmptyPermissions проверяет, что пустой массив
// разрешений — валидный успех, а не ошибка.
func TestClient_ExchangeRPT_EmptyPermissions(t *testing.T) {
	_, client := setupMockKeycloak(t,
		func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`[]`))
		},
		nil,
	)

	perms, err := client.ExchangeRPT(context.Background(), "user-token")
	if err != nil {
		t.Fatalf("пустой массив разрешений — успех, получена ошибка: %v", err)
	}
	if len(perms) != 0 {
		t.Errorf("ожидался пустой список, получено %d", len(perms))
	}
}

// TestClient_ExchangeRPT_Unauthorized проверяет отклонение невалидного токена.
func TestClient_ExchangeRPT_Unauthorized(t *testing.T) {
	_, client := setupMockKeycloak(t,
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"invalid_grant"}`))
		},
		nil,
	)

	_, err := client.ExchangeRPT(context.Background(), "bad-token")
	if !errors.Is(err, ErrTokenExchange) {
		t.Fatalf("ожидалась ErrTokenExchange, получена: %v", err)
	}
}

// TestClient_CreateResource проверяет регистрацию UMA-ресурса.
func TestClient_CreateResource(t *testing.T) {
	_, client := setupMockKeycloak(t, nil,
		func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/resource_set") {
				auth := r.Header.Get("Authorization")
				if auth != "Bearer test-service-token" {
					t.Errorf("ожидался Bearer test-service-token, получен %s", auth)
				}

				var req resourceCreateRequest
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					t.Fatalf("Ошибка декодирования: %v", err)
				}
				if req.Name != "proj1" {
					t.Errorf("ожидался name=proj1, получен %s", req.Name)
				}
				if req.Type != "urn:folio:resources:project" {
					t.Errorf("неожиданный type: %s", req.Type)
				}
				if len(req.Scopes) != 3 {
					t.Errorf("ожидалось 3 скоупа, получено %d", len(req.Scopes))
				}

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusCreated)
				json.NewEncoder(w).Encode(Resource{
					ID:     "res-id-1",
					Name:   req.Name,
					Type:   req.Type,
					Scopes: req.Scopes,
				})
				return
			}
			w.WriteHeader(http.StatusNotFound)
		},
	)

	res, err := client.CreateResource(context.Background(), "proj1", "Project: proj1",
		"urn:folio:resources:project", []string{"READ", "WRITE", "ADMIN"}, nil)
	if err != nil {
		t.Fatalf("Ошибка CreateResource: %v", err)
	}
	if res.ID != "res-id-1" {
		t.Errorf("ожидался ID=res-id-1, получен %s", res.ID)
	}
}

// TestClient_CreateResource_Conflict проверяет трансляцию 409 в ErrConflict.
func TestClient_CreateResource_Conflict(t *testing.T) {
	_, client := setupMockKeycloak(t, nil,
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":"invalid_request","error_description":"Resource with name [proj1] already exists"}`))
		},
	)

	_, err := client.CreateResource(context.Background(), "proj1", "Project: proj1",
		"urn:folio:resources:project", []string{"READ", "WRITE", "ADMIN"}, nil)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("ожидалась ErrConflict, получена: %v", err)
	}
}

// TestClient_FindResourceByName проверяет линейный поиск ресурса по имени.
func TestClient_FindResourceByName(t *testing.T) {
	resources := map[string]Resource{
		"id-1": {ID: "id-1", Name: "other", Type: "urn:folio:resources:project"},
		"id-2": {ID: "id-2", Name: "proj1", Type: "urn:folio:resources:project"},
	}
	listRequests := 0
	getRequests := 0

	_, client := setupMockKeycloak(t, nil,
		func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")

			if strings.HasSuffix(r.URL.Path, "/resource_set") {
				listRequests++
				// Порядок детерминирован для проверки числа GET
				json.NewEncoder(w).Encode([]string{"id-1", "id-2"})
				return
			}

			parts := strings.Split(r.URL.Path, "/")
			id := parts[len(parts)-1]
			getRequests++
			if res, ok := resources[id]; ok {
				json.NewEncoder(w).Encode(res)
				return
			}
			w.WriteHeader(http.StatusNotFound)
		},
	)

	res, err := client.FindResourceByName(context.Background(), "proj1")
	if err != nil {
		t.Fatalf("Ошибка FindResourceByName: %v", err)
	}
	if res.ID != "id-2" {
		t.Errorf("ожидался ID=id-2, получен %s", res.ID)
	}
	if listRequests != 1 || getRequests != 2 {
		t.Errorf("ожидался 1 список и 2 GET, было %d/%d", listRequests, getRequests)
	}
}

// TestClient_FindResourceByName_NotFound проверяет ErrNotFound.
func TestClient_FindResourceByName_NotFound(t *testing.T) {
	_, client := setupMockKeycloak(t, nil,
		func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode([]string{})
		},
	)

	_, err := client.FindResourceByName(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("ожидалась ErrNotFound, получена: %v", err)
	}
}

// TestClient_CreateGroup проверяет создание группы и извлечение ID из Location.
func TestClient_CreateGroup(t *testing.T) {
	_, client := setupMockKeycloak(t, nil,
		func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/groups") {
				var req groupCreateRequest
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					t.Fatalf("Ошибка декодирования: %v", err)
				}
				if req.Name != "project-proj1" {
					t.Errorf("ожидался name=project-proj1, получен %s", req.Name)
				}
				if req.Path != "/project-proj1" {
					t.Errorf("ожидался path=/project-proj1, получен %s", req.Path)
				}

				w.Header().Set("Location", "https://keycloak/admin/realms/agari/groups/grp-id-1")
				w.WriteHeader(http.StatusCreated)
				return
			}
			w.WriteHeader(http.StatusNotFound)
		},
	)

	group, err := client.CreateGroup(context.Background(), "project-proj1", map[string][]string{
		"group_type": {"project"},
	})
	if err != nil {
		t.Fatalf("Ошибка CreateGroup: %v", err)
	}
	if group.ID != "grp-id-1" {
		t.Errorf("ожидался ID=grp-id-1, получен %s", group.ID)
	}
	if group.Name != "project-proj1" {
		t.Errorf("ожидалось имя project-proj1, получено %s", group.Name)
	}
}

// TestClient_CreateGroup_Conflict проверяет трансляцию 409 в ErrConflict.
func TestClient_CreateGroup_Conflict(t *testing.T) {
	_, client := setupMockKeycloak(t, nil,
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"errorMessage":"Top level group named 'project-proj1' already exists."}`))
		},
	)

	_, err := client.CreateGroup(context.Background(), "project-proj1", nil)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("ожидалась ErrConflict, получена: %v", err)
	}
}

// TestClient_FindGroupByName проверяет поиск группы по имени.
func TestClient_FindGroupByName(t *testing.T) {
	_, client := setupMockKeycloak(t, nil,
		func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(r.URL.Path, "/groups") && r.Method == http.MethodGet {
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode([]Group{
					{ID: "g-1", Name: "project-other", Path: "/project-other"},
					{ID: "g-2", Name: "project-proj1", Path: "/project-proj1"},
				})
				return
			}
			w.WriteHeader(http.StatusNotFound)
		},
	)

	group, err := client.FindGroupByName(context.Background(), "project-proj1")
	if err != nil {
		t.Fatalf("Ошибка FindGroupByName: %v", err)
	}
	if group.ID != "g-2" {
		t.Errorf("ожидался ID=g-2, получен %s", group.ID)
	}
}

// TestClient_FindUserByUsername проверяет точный поиск пользователя.
func TestClient_FindUserByUsername(t *testing.T) {
	_, client := setupMockKeycloak(t, nil,
		func(w http.ResponseWriter, r *http.Request) {
			if strings.Contains(r.URL.Path, "/users") {
				q := r.URL.Query()
				if q.Get("username") != "researcher1" {
					t.Errorf("ожидался username=researcher1, получен %s", q.Get("username"))
				}
				if q.Get("exact") != "true" {
					t.Errorf("ожидался exact=true, получен %s", q.Get("exact"))
				}

				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode([]User{
					{ID: "user-1", Username: "researcher1", Email: "r1@example.org", Enabled: true},
				})
				return
			}
			w.WriteHeader(http.StatusNotFound)
		},
	)

	user, err := client.FindUserByUsername(context.Background(), "researcher1")
	if err != nil {
		t.Fatalf("Ошибка FindUserByUsername: %v", err)
	}
	if user.ID != "user-1" {
		t.Errorf("ожидался ID=user-1, получен %s", user.ID)
	}
}

// TestClient_FindUserByUsername_NotFound проверяет ErrNotFound при пустом результате.
func TestClient_FindUserByUsername_NotFound(t *testing.T) {
	_, client := setupMockKeycloak(t, nil,
		func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`[]`))
		},
	)

	_, err := client.FindUserByUsername(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("ожидалась ErrNotFound, получена: %v", err)
	}
}

// TestClient_AddUserToGroup проверяет добавление пользователя в группу.
func TestClient_AddUserToGroup(t *testing.T) {
	_, client := setupMockKeycloak(t, nil,
		func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPut && strings.HasSuffix(r.URL.Path, "/users/user-1/groups/grp-1") {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			w.WriteHeader(http.StatusNotFound)
		},
	)

	if err := client.AddUserToGroup(context.Background(), "user-1", "grp-1"); err != nil {
		t.Fatalf("Ошибка AddUserToGroup: %v", err)
	}
}

// TestClient_RemoveUserFromGroup проверяет удаление пользователя из группы.
func TestClient_RemoveUserFromGroup(t *testing.T) {
	_, client := setupMockKeycloak(t, nil,
		func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodDelete && strings.HasSuffix(r.URL.Path, "/users/user-1/groups/grp-1") {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			w.WriteHeader(http.StatusNotFound)
		},
	)

	if err := client.RemoveUserFromGroup(context.Background(), "user-1", "grp-1"); err != nil {
		t.Fatalf("Ошибка RemoveUserFromGroup: %v", err)
	}
}

// TestClient_ListGroupMembers проверяет список членов группы.
func TestClient_ListGroupMembers(t *testing.T) {
	_, client := setupMockKeycloak(t, nil,
		func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(r.URL.Path, "/groups/grp-1/members") {
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode([]User{
					{ID: "user-1", Username: "researcher1", Enabled: true},
					{ID: "user-2", Username: "researcher2", Enabled: true},
				})
				return
			}
			w.WriteHeader(http.StatusNotFound)
		},
	)

	members, err := client.ListGroupMembers(context.Background(), "grp-1")
	if err != nil {
		t.Fatalf("Ошибка ListGroupMembers: %v", err)
	}
	if len(members) != 2 {
		t.Errorf("ожидалось 2 члена, получено %d", len(members))
	}
}

// TestClient_CheckReady проверяет CheckReady.
func TestClient_CheckReady(t *testing.T) {
	_, client := setupMockKeycloak(t, nil, nil)

	status, msg := client.CheckReady()
	if status != "ok" {
		t.Errorf("ожидался status=ok, получен %s: %s", status, msg)
	}
}

// TestClient_CheckReady_Fail проверяет CheckReady при недоступности.
func TestClient_CheckReady_Fail(t *testing.T) {
	client := New(
		"http://localhost:1", // Несуществующий адрес
		"agari",
		"dms",
		"secret",
		&http.Client{Timeout: 100 * time.Millisecond},
		testLogger(),
	)

	status, _ := client.CheckReady()
	if status != "fail" {
		t.Errorf("ожидался status=fail, получен %s", status)
	}
}

// TestCreatedAtTime проверяет конвертацию timestamp.
func TestCreatedAtTime(t *testing.T) {
	user := &User{
		CreatedAt: 1708617600000, // 2024-02-22T16:00:00Z в миллисекундах
	}
	ts := user.CreatedAtTime()
	if ts.UTC().Year() != 2024 || ts.UTC().Month() != time.February || ts.UTC().Day() != 22 {
		t.Errorf("неожиданная дата: %v", ts)
	}
}
