package store

import (
	"strconv"
	"strings"
)

// Dialect captures the differences between the supported SQL backends.
type Dialect struct {
	Name          string // "sqlite" or "postgres"
	DriverName    string // database/sql driver
	GooseDialect  string
	MigrationsDir string // directory inside migrations.FS
	ForUpdate     string // row-lock suffix for reads inside a transaction
	Numbered      bool   // $1-style placeholders
}

// SQLite is the default embedded backend. Write transactions are opened
// with an immediate lock, so FOR UPDATE is not needed.
var SQLite = Dialect{
	Name:          "sqlite",
	DriverName:    "sqlite",
	GooseDialect:  "sqlite3",
	MigrationsDir: "sqlite",
}

// Postgres is the server backend, driven by pgx's database/sql adapter.
var Postgres = Dialect{
	Name:          "postgres",
	DriverName:    "pgx",
	GooseDialect:  "postgres",
	MigrationsDir: "postgres",
	ForUpdate:     " FOR UPDATE",
	Numbered:      true,
}

// DialectByName returns the dialect registered under name.
func DialectByName(name string) (Dialect, bool) {
	switch name {
	case SQLite.Name:
		return SQLite, true
	case Postgres.Name:
		return Postgres, true
	}
	return Dialect{}, false
}

// Rebind rewrites '?' placeholders into the dialect's form.
// Queries in this package never contain literal question marks.
func (d Dialect) Rebind(query string) string {
	if !d.Numbered || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
