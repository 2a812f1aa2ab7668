package repo

import "errors"

// Общие ошибки хранилищ (PostgreSQL, SQLite, memory).
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists — запись уже существует (конфликт уникальности).
	// Для jobs означает, что у стадии уже есть незавершённый job.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidState — операция невозможна в текущем состоянии.
	ErrInvalidState = errors.New("invalid state")
)
