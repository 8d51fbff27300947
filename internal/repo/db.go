package repo

import (
	"github.com/jmoiron/sqlx"
)

// Queryer is satisfied by both *sqlx.DB and *sqlx.Tx. Methods that may run
// inside a chunk transaction take one instead of using the repo's db.
type Queryer = sqlx.ExtContext

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func toInterfaces(values []string) []interface{} {
	out := make([]interface{}, 0, len(values))
	for _, v := range values {
		out = append(out, v)
	}
	return out
}
