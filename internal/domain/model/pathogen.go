package model

import "time"

// Pathogen — патоген, верхний уровень иерархии сущностей.
// Хранится в таблице pathogens.
type Pathogen struct {
	// ID — UUID записи
	ID string
	// Name — уникальное имя (среди живых записей)
	Name string
	// ScientificName — научное название
	ScientificName string
	// Description — описание
	Description string
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time
	// DeletedAt — время soft delete (nil для живых записей)
	DeletedAt *time.Time
}

// PathogenPatch — частичное обновление патогена.
// nil-поле означает "не менять".
type PathogenPatch struct {
	Name           *string
	ScientificName *string
	Description    *string
}
