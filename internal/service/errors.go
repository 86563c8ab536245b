// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import "errors"

var (
	// ErrNotFound — сущность не найдена.
	ErrNotFound = errors.New("сущность не найдена")
	// ErrConflict — конфликт (дублирующаяся сущность или уже существующий объект Keycloak).
	ErrConflict = errors.New("конфликт — сущность уже существует")
	// ErrCascade — удаление запрещено: есть живые зависимые сущности.
	ErrCascade = errors.New("удаление запрещено — существуют зависимые сущности")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrKeycloakUnavailable — Keycloak недоступен.
	ErrKeycloakUnavailable = errors.New("Keycloak недоступен")
)
