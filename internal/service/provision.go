// provision.go — best-effort provisioning объектов Keycloak после коммита
// строки сущности: UMA-ресурс, umbrella-группа, три permission-группы,
// членство создателя. Сбой любого шага логируется и отражается во флагах
// статуса, но НЕ откатывает уже закоммиченную строку: реляционная строка —
// авторитетный источник, состояние брокера восстановимо повторным вызовом
// (409 на любом шаге — идемпотентный успех).
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/OpenUpSA/agari-folio/internal/keycloak"
)

// Скоупы, регистрируемые на каждом ресурсе.
var resourceScopes = []string{"READ", "WRITE", "ADMIN"}

// Суффиксы permission-групп.
var permissionSuffixes = []string{"read", "write", "admin"}

// ProvisionStatus — результат provisioning-шагов Keycloak.
// Сериализуется в ответах как keycloak_created.
type ProvisionStatus struct {
	// Resource — UMA-ресурс зарегистрирован (или уже существовал).
	Resource bool `json:"resource"`
	// Group — umbrella-группа создана (или уже существовала).
	Group bool `json:"group"`
	// Permissions — все три permission-группы созданы (или уже существовали).
	Permissions bool `json:"permissions"`
}

// Provisioner выполняет provisioning-последовательность в Keycloak.
type Provisioner struct {
	kc     *keycloak.Client
	logger *slog.Logger
}

// NewProvisioner создаёт Provisioner.
func NewProvisioner(kc *keycloak.Client, logger *slog.Logger) *Provisioner {
	return &Provisioner{
		kc:     kc,
		logger: logger.With(slog.String("component", "provisioner")),
	}
}

// entityTitles — заголовки displayName по типу сущности.
var entityTitles = map[string]string{
	"project": "Project",
	"study":   "Study",
}

// ResourceType возвращает URN типа UMA-ресурса для типа сущности.
func ResourceType(entityType string) string {
	return "urn:folio:resources:" + entityType
}

// GroupName возвращает имя umbrella-группы сущности.
func GroupName(entityType, name string) string {
	return entityType + "-" + name
}

// Provision выполняет последовательность шагов Keycloak для сущности.
// entityType — "project" или "study"; name — slug проекта или studyId.
// creatorUsername — username создателя; пустая строка или autojoin=false
// отключают шаг членства. Шаги выполняются последовательно, каждый сбой
// логируется и понижается до флага в статусе.
func (p *Provisioner) Provision(ctx context.Context, entityType, name, creatorUsername string, autojoin bool) ProvisionStatus {
	var status ProvisionStatus

	// Шаг 1: UMA-ресурс
	status.Resource = p.provisionResource(ctx, entityType, name)

	// Шаг 2: umbrella-группа
	umbrella := GroupName(entityType, name)
	_, ok := p.provisionGroup(ctx, umbrella, entityType, name, "")
	status.Group = ok

	// Шаг 3: три permission-группы
	permGroups := make(map[string]string, len(permissionSuffixes))
	status.Permissions = true
	for _, suffix := range permissionSuffixes {
		groupName := umbrella + "-" + suffix
		id, ok := p.provisionGroup(ctx, groupName, entityType, name, suffix)
		if !ok {
			status.Permissions = false
			continue
		}
		permGroups[groupName] = id
	}

	// Шаг 4: членство создателя в permission-группах
	if autojoin && creatorUsername != "" {
		p.joinCreator(ctx, creatorUsername, permGroups)
	}

	return status
}

// provisionResource регистрирует UMA-ресурс; 409 — идемпотентный успех.
func (p *Provisioner) provisionResource(ctx context.Context, entityType, name string) bool {
	displayName := fmt.Sprintf("%s: %s", entityTitles[entityType], name)
	attrs := map[string][]string{
		entityType + "_slug": {name},
		"created_by":         {"folio-service"},
	}

	_, err := p.kc.CreateResource(ctx, name, displayName, ResourceType(entityType), resourceScopes, attrs)
	if err != nil {
		if errors.Is(err, keycloak.ErrConflict) {
			p.logger.Warn("UMA-ресурс уже существует",
				slog.String("name", name),
			)
			return true
		}
		p.logger.Error("Сбой регистрации UMA-ресурса",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

// provisionGroup создаёт группу; 409 — идемпотентный успех, ID группы
// в этом случае добывается поиском по имени (для последующего членства).
func (p *Provisioner) provisionGroup(ctx context.Context, groupName, entityType, name, suffix string) (string, bool) {
	attrs := map[string][]string{
		entityType + "_slug": {name},
		"created_by":         {"folio-service"},
		"group_type":         {entityType},
	}
	if suffix != "" {
		attrs["permission"] = []string{suffix}
	}

	group, err := p.kc.CreateGroup(ctx, groupName, attrs)
	if err == nil {
		return group.ID, true
	}

	if errors.Is(err, keycloak.ErrConflict) {
		p.logger.Warn("Группа уже существует",
			slog.String("name", groupName),
		)
		existing, findErr := p.kc.FindGroupByName(ctx, groupName)
		if findErr != nil {
			// Группа есть, но ID не добыт: шаг успешен, членство пропустится
			return "", true
		}
		return existing.ID, true
	}

	p.logger.Error("Сбой создания группы",
		slog.String("name", groupName),
		slog.String("error", err.Error()),
	)
	return "", false
}

// joinCreator добавляет создателя в permission-группы.
// Сбои только логируются: членство восстановимо через group/members API.
func (p *Provisioner) joinCreator(ctx context.Context, username string, permGroups map[string]string) {
	user, err := p.kc.FindUserByUsername(ctx, username)
	if err != nil {
		p.logger.Error("Создатель не найден в Keycloak, членство пропущено",
			slog.String("username", username),
			slog.String("error", err.Error()),
		)
		return
	}

	for groupName, groupID := range permGroups {
		if groupID == "" {
			continue
		}
		if err := p.kc.AddUserToGroup(ctx, user.ID, groupID); err != nil {
			p.logger.Error("Сбой добавления создателя в группу",
				slog.String("username", username),
				slog.String("group", groupName),
				slog.String("error", err.Error()),
			)
			continue
		}
		p.logger.Info("Создатель добавлен в группу",
			slog.String("username", username),
			slog.String("group", groupName),
		)
	}
}
