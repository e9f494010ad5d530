package migrations

import "embed"

// FS embeds all SQL migration files for the SQLite storage layer.
// Files follow the golang-migrate naming scheme NNNNNN_name.{up,down}.sql.
//
//go:embed *.sql
var FS embed.FS
