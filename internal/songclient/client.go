// Пакет songclient — HTTP-клиент к SONG (downstream metadata-сервис).
// Регистрация study выполняется с исходным bearer-токеном вызывающего,
// а не с сервисным токеном: SONG проводит собственную авторизацию.
package songclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client — HTTP-клиент к SONG.
type Client struct {
	baseURL    string // Базовый URL SONG (без trailing slash)
	httpClient *http.Client
	logger     *slog.Logger
}

// studyCreateRequest — тело запроса регистрации study в SONG.
type studyCreateRequest struct {
	StudyID      string         `json:"studyId"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	Organization string         `json:"organization"`
	Info         map[string]any `json:"info"`
}

// New создаёт клиент к SONG.
// baseURL — базовый URL SONG (например, http://song:8080).
// httpClient — HTTP-клиент; nil — дефолтный с таймаутом 30s.
func New(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger.With(slog.String("component", "song_client")),
	}
}

// CreateStudy регистрирует study в SONG.
// userToken — исходный access token вызывающего (не сервисный).
// Не-2xx ответ — ошибка; вызывающий трактует её как нефатальную
// (songCreated=false), строка study в БД не откатывается.
func (c *Client) CreateStudy(ctx context.Context, userToken, studyID, name, description, organization string) error {
	body := studyCreateRequest{
		StudyID:      studyID,
		Name:         name,
		Description:  description,
		Organization: organization,
		Info:         map[string]any{},
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("сериализация запроса SONG: %w", err)
	}

	reqURL := fmt.Sprintf("%s/studies/%s/", c.baseURL, studyID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("создание запроса SONG: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+userToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("запрос к SONG: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("SONG вернул статус %d: %s", resp.StatusCode, string(respBody))
	}

	c.logger.Info("Study зарегистрирован в SONG",
		slog.String("study_id", studyID),
	)

	return nil
}

// CheckReady проверяет доступность SONG.
// Реализует handlers.ReadinessChecker.
func (c *Client) CheckReady() (string, string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/isAlive", nil)
	if err != nil {
		return "fail", fmt.Sprintf("SONG недоступен: %v", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "fail", fmt.Sprintf("SONG недоступен: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "fail", fmt.Sprintf("SONG вернул статус %d", resp.StatusCode)
	}

	return "ok", "SONG доступен"
}
