// Package all registers every storage backend with the storage factory.
package all

import (
	_ "statevsql/internal/storage/duckdb"
	_ "statevsql/internal/storage/mssql"
	_ "statevsql/internal/storage/postgres"
	_ "statevsql/internal/storage/sqlite"
)
