package model

import "time"

// Study — исследование в рамках проекта.
// Хранится в таблице studies.
type Study struct {
	// ID — UUID записи
	ID string
	// StudyID — уникальный внешний идентификатор (среди живых записей);
	// используется как имя ресурса/префикс групп в Keycloak и как
	// идентификатор study в SONG
	StudyID string
	// Name — человекочитаемое имя
	Name string
	// Description — описание
	Description string
	// Organization — организация, передаётся в SONG при регистрации
	Organization string
	// CreatorUserID — идентификатор создателя (sub из токена)
	CreatorUserID string
	// ProjectID — ссылка на проект
	ProjectID string
	// StartDate — дата начала (может быть nil)
	StartDate *time.Time
	// EndDate — дата окончания (может быть nil)
	EndDate *time.Time
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time
	// DeletedAt — время soft delete (nil для живых записей)
	DeletedAt *time.Time
}

// StudyPatch — частичное обновление исследования.
// nil-поле означает "не менять". StudyID не меняется после создания:
// на него завязаны ресурс, группы и регистрация в SONG.
type StudyPatch struct {
	Name         *string
	Description  *string
	Organization *string
	StartDate    *time.Time
	EndDate      *time.Time
}
