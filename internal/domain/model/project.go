package model

import "time"

// Project — проект исследования патогена.
// Хранится в таблице projects.
type Project struct {
	// ID — UUID записи
	ID string
	// Slug — уникальный идентификатор проекта (среди живых записей);
	// используется как имя ресурса и префикс групп в Keycloak
	Slug string
	// Name — человекочитаемое имя
	Name string
	// Description — описание
	Description string
	// OrganizationID — идентификатор организации-владельца
	OrganizationID string
	// CreatorUserID — идентификатор создателя (sub из токена)
	CreatorUserID string
	// PathogenID — ссылка на патоген
	PathogenID string
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time
	// DeletedAt — время soft delete (nil для живых записей)
	DeletedAt *time.Time
}

// ProjectPatch — частичное обновление проекта.
// nil-поле означает "не менять". Slug не меняется после создания:
// на него завязаны имена ресурса и групп в Keycloak.
type ProjectPatch struct {
	Name           *string
	Description    *string
	OrganizationID *string
	PathogenID     *string
}
