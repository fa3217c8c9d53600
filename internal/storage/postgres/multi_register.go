package postgres

import "statevsql/internal/storage"

func init() {
	storage.RegisterMulti("postgres", NewMulti)
	storage.RegisterMulti("postgresql", NewMulti)
}
