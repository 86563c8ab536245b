package repository

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/OpenUpSA/agari-folio/internal/config"
	"github.com/OpenUpSA/agari-folio/internal/database"
	"github.com/OpenUpSA/agari-folio/internal/domain/model"

	"github.com/jackc/pgx/v5/pgxpool"
)

// setupTestDB запускает PostgreSQL контейнер, применяет миграции.
// Возвращает pgxpool.Pool; очистка через t.Cleanup.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("folio_test"),
		postgres.WithUsername("folio"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	// Настраиваем env для config.Load()
	os.Setenv("FOLIO_DB_HOST", host)
	os.Setenv("FOLIO_DB_PORT", port.Port())
	os.Setenv("FOLIO_DB_NAME", "folio_test")
	os.Setenv("FOLIO_DB_USER", "folio")
	os.Setenv("FOLIO_DB_PASSWORD", "test-password")
	os.Setenv("FOLIO_DB_SSL_MODE", "disable")
	os.Setenv("FOLIO_KEYCLOAK_URL", "http://localhost:8080")
	os.Setenv("FOLIO_KEYCLOAK_CLIENT_SECRET", "test")
	os.Setenv("FOLIO_SONG_URL", "http://localhost:8089")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// Применяем миграции
	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	// Подключаемся
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	return pool
}

// createTestPathogen — вспомогательная вставка патогена.
func createTestPathogen(t *testing.T, ctx context.Context, repo PathogenRepository, name string) *model.Pathogen {
	t.Helper()
	p := &model.Pathogen{
		ID:             uuid.New().String(),
		Name:           name,
		ScientificName: "Plasmodium falciparum",
		Description:    "Тестовый патоген",
	}
	if err := repo.Create(ctx, p); err != nil {
		t.Fatalf("Create(pathogen) ошибка: %v", err)
	}
	return p
}

// createTestProject — вспомогательная вставка проекта.
func createTestProject(t *testing.T, ctx context.Context, repo ProjectRepository, slug, pathogenID string) *model.Project {
	t.Helper()
	p := &model.Project{
		ID:             uuid.New().String(),
		Slug:           slug,
		Name:           "Project " + slug,
		Description:    "Тестовый проект",
		OrganizationID: "org-1",
		CreatorUserID:  "user-1",
		PathogenID:     pathogenID,
	}
	if err := repo.Create(ctx, p); err != nil {
		t.Fatalf("Create(project) ошибка: %v", err)
	}
	return p
}

// --- Тесты PathogenRepository ---

func TestPathogenCRUD(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewPathogenRepository(pool)

	p := createTestPathogen(t, ctx, repo, "malaria")
	if p.CreatedAt.IsZero() {
		t.Error("CreatedAt не установлен")
	}

	// GetByID
	got, err := repo.GetByID(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetByID() ошибка: %v", err)
	}
	if got.Name != "malaria" {
		t.Errorf("Name = %q, хотели %q", got.Name, "malaria")
	}

	// List + Count
	list, err := repo.List(ctx, 10, 0)
	if err != nil {
		t.Fatalf("List() ошибка: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("List() вернул %d записей, хотели 1", len(list))
	}
	count, err := repo.Count(ctx)
	if err != nil {
		t.Fatalf("Count() ошибка: %v", err)
	}
	if count != 1 {
		t.Errorf("Count() = %d, хотели 1", count)
	}

	// Update (PUT)
	got.ScientificName = "Plasmodium vivax"
	if err := repo.Update(ctx, got); err != nil {
		t.Fatalf("Update() ошибка: %v", err)
	}

	// Patch: только description, name не меняется
	desc := "Обновлённое описание"
	patched, err := repo.Patch(ctx, p.ID, &model.PathogenPatch{Description: &desc})
	if err != nil {
		t.Fatalf("Patch() ошибка: %v", err)
	}
	if patched.Description != desc {
		t.Errorf("Description = %q, хотели %q", patched.Description, desc)
	}
	if patched.Name != "malaria" {
		t.Errorf("Patch изменил name: %q", patched.Name)
	}
	if !patched.UpdatedAt.After(p.CreatedAt) {
		t.Error("UpdatedAt не обновился при Patch")
	}

	// SoftDelete
	if err := repo.SoftDelete(ctx, p.ID); err != nil {
		t.Fatalf("SoftDelete() ошибка: %v", err)
	}
	if _, err := repo.GetByID(ctx, p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("после SoftDelete ожидалась ErrNotFound, получена: %v", err)
	}

	// Повторное удаление — ErrNotFound
	if err := repo.SoftDelete(ctx, p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("повторный SoftDelete: ожидалась ErrNotFound, получена: %v", err)
	}
}

func TestPathogenUniqueName(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewPathogenRepository(pool)

	p1 := createTestPathogen(t, ctx, repo, "cholera")

	// Дубликат имени среди живых — конфликт
	dup := &model.Pathogen{ID: uuid.New().String(), Name: "cholera"}
	if err := repo.Create(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("ожидалась ErrConflict, получена: %v", err)
	}

	// После soft delete имя снова свободно (partial unique index)
	if err := repo.SoftDelete(ctx, p1.ID); err != nil {
		t.Fatalf("SoftDelete() ошибка: %v", err)
	}
	if err := repo.Create(ctx, dup); err != nil {
		t.Fatalf("после soft delete имя должно быть свободно: %v", err)
	}
}

// TestMalformedID проверяет, что не-UUID идентификатор (slug, мусор)
// даёт ErrNotFound, а не ошибку хранилища (22P02).
func TestMalformedID(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	pathogens := NewPathogenRepository(pool)
	projects := NewProjectRepository(pool)
	studies := NewStudyRepository(pool)

	if _, err := pathogens.GetByID(ctx, "malaria"); !errors.Is(err, ErrNotFound) {
		t.Errorf("pathogens.GetByID(не-UUID): ожидалась ErrNotFound, получена: %v", err)
	}
	if _, err := projects.GetByID(ctx, "malaria-gen"); !errors.Is(err, ErrNotFound) {
		t.Errorf("projects.GetByID(не-UUID): ожидалась ErrNotFound, получена: %v", err)
	}
	if _, err := studies.GetByID(ctx, "STUDY-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("studies.GetByID(не-UUID): ожидалась ErrNotFound, получена: %v", err)
	}

	if err := projects.SoftDelete(ctx, "malaria-gen"); !errors.Is(err, ErrNotFound) {
		t.Errorf("projects.SoftDelete(не-UUID): ожидалась ErrNotFound, получена: %v", err)
	}

	name := "x"
	if _, err := projects.Patch(ctx, "malaria-gen", &model.ProjectPatch{Name: &name}); !errors.Is(err, ErrNotFound) {
		t.Errorf("projects.Patch(не-UUID): ожидалась ErrNotFound, получена: %v", err)
	}

	// Кривой uuid в фильтре списка
	bad := "abc"
	if _, err := projects.List(ctx, &bad, 10, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("projects.List(кривой фильтр): ожидалась ErrNotFound, получена: %v", err)
	}
	if _, err := studies.List(ctx, &bad, 10, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("studies.List(кривой фильтр): ожидалась ErrNotFound, получена: %v", err)
	}
}

// --- Тесты ProjectRepository ---

func TestProjectCRUD(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	pathogens := NewPathogenRepository(pool)
	projects := NewProjectRepository(pool)

	pathogen := createTestPathogen(t, ctx, pathogens, "tb")
	proj := createTestProject(t, ctx, projects, "proj1", pathogen.ID)

	// GetBySlug
	got, err := projects.GetBySlug(ctx, "proj1")
	if err != nil {
		t.Fatalf("GetBySlug() ошибка: %v", err)
	}
	if got.ID != proj.ID {
		t.Errorf("GetBySlug вернул ID %s, хотели %s", got.ID, proj.ID)
	}

	// List с фильтром по патогену
	list, err := projects.List(ctx, &pathogen.ID, 10, 0)
	if err != nil {
		t.Fatalf("List() ошибка: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("List(pathogen) вернул %d записей, хотели 1", len(list))
	}

	other := uuid.New().String()
	list, err = projects.List(ctx, &other, 10, 0)
	if err != nil {
		t.Fatalf("List() ошибка: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("List(другой патоген) вернул %d записей, хотели 0", len(list))
	}

	// Patch
	name := "Новое имя"
	patched, err := projects.Patch(ctx, proj.ID, &model.ProjectPatch{Name: &name})
	if err != nil {
		t.Fatalf("Patch() ошибка: %v", err)
	}
	if patched.Name != name {
		t.Errorf("Name = %q, хотели %q", patched.Name, name)
	}
	if patched.Slug != "proj1" {
		t.Errorf("Patch изменил slug: %q", patched.Slug)
	}
}

func TestProjectDanglingPathogen(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	projects := NewProjectRepository(pool)

	p := &model.Project{
		ID:         uuid.New().String(),
		Slug:       "orphan",
		Name:       "Orphan",
		PathogenID: uuid.New().String(), // Несуществующий патоген
	}
	if err := projects.Create(ctx, p); !errors.Is(err, ErrForeignKey) {
		t.Fatalf("ожидалась ErrForeignKey, получена: %v", err)
	}
}

func TestProjectSlugConflict(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	pathogens := NewPathogenRepository(pool)
	projects := NewProjectRepository(pool)

	pathogen := createTestPathogen(t, ctx, pathogens, "hiv")
	createTestProject(t, ctx, projects, "proj1", pathogen.ID)

	dup := &model.Project{
		ID:         uuid.New().String(),
		Slug:       "proj1",
		Name:       "Дубликат",
		PathogenID: pathogen.ID,
	}
	if err := projects.Create(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("ожидалась ErrConflict, получена: %v", err)
	}
}

// --- Тесты StudyRepository и cascade protection ---

func TestStudyCRUDAndCascade(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	pathogens := NewPathogenRepository(pool)
	projects := NewProjectRepository(pool)
	studies := NewStudyRepository(pool)

	pathogen := createTestPathogen(t, ctx, pathogens, "dengue")
	proj := createTestProject(t, ctx, projects, "proj1", pathogen.ID)

	start := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	s := &model.Study{
		ID:            uuid.New().String(),
		StudyID:       "STUDY-1",
		Name:          "Test Study",
		Description:   "Тестовый study",
		Organization:  "OpenUp",
		CreatorUserID: "user-1",
		ProjectID:     proj.ID,
		StartDate:     &start,
	}
	if err := studies.Create(ctx, s); err != nil {
		t.Fatalf("Create(study) ошибка: %v", err)
	}

	// GetByStudyID
	got, err := studies.GetByStudyID(ctx, "STUDY-1")
	if err != nil {
		t.Fatalf("GetByStudyID() ошибка: %v", err)
	}
	if got.ID != s.ID {
		t.Errorf("GetByStudyID вернул ID %s, хотели %s", got.ID, s.ID)
	}

	// Дубликат study_id — конфликт
	dup := &model.Study{ID: uuid.New().String(), StudyID: "STUDY-1", Name: "dup", ProjectID: proj.ID}
	if err := studies.Create(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("ожидалась ErrConflict, получена: %v", err)
	}

	// Cascade protection: у проекта живой study
	count, err := studies.CountLiveByProject(ctx, proj.ID)
	if err != nil {
		t.Fatalf("CountLiveByProject() ошибка: %v", err)
	}
	if count != 1 {
		t.Errorf("CountLiveByProject = %d, хотели 1", count)
	}

	// После удаления study — проект можно удалять
	if err := studies.SoftDelete(ctx, s.ID); err != nil {
		t.Fatalf("SoftDelete(study) ошибка: %v", err)
	}
	count, err = studies.CountLiveByProject(ctx, proj.ID)
	if err != nil {
		t.Fatalf("CountLiveByProject() ошибка: %v", err)
	}
	if count != 0 {
		t.Errorf("после удаления study CountLiveByProject = %d, хотели 0", count)
	}

	// Cascade protection патогена: живой проект
	pcount, err := projects.CountLiveByPathogen(ctx, pathogen.ID)
	if err != nil {
		t.Fatalf("CountLiveByPathogen() ошибка: %v", err)
	}
	if pcount != 1 {
		t.Errorf("CountLiveByPathogen = %d, хотели 1", pcount)
	}
}

func TestStudyPatch(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	pathogens := NewPathogenRepository(pool)
	projects := NewProjectRepository(pool)
	studies := NewStudyRepository(pool)

	pathogen := createTestPathogen(t, ctx, pathogens, "zika")
	proj := createTestProject(t, ctx, projects, "proj1", pathogen.ID)

	s := &model.Study{
		ID:        uuid.New().String(),
		StudyID:   "STUDY-2",
		Name:      "Исходное имя",
		ProjectID: proj.ID,
	}
	if err := studies.Create(ctx, s); err != nil {
		t.Fatalf("Create(study) ошибка: %v", err)
	}

	end := time.Date(2027, 6, 30, 0, 0, 0, 0, time.UTC)
	patched, err := studies.Patch(ctx, s.ID, &model.StudyPatch{EndDate: &end})
	if err != nil {
		t.Fatalf("Patch() ошибка: %v", err)
	}
	if patched.EndDate == nil || !patched.EndDate.Equal(end) {
		t.Errorf("EndDate = %v, хотели %v", patched.EndDate, end)
	}
	if patched.Name != "Исходное имя" {
		t.Errorf("Patch изменил name: %q", patched.Name)
	}
	if patched.StudyID != "STUDY-2" {
		t.Errorf("Patch изменил study_id: %q", patched.StudyID)
	}
}
