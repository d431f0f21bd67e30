package repository

import (
	"errors"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// ErrNotFound no row for the requested key
var ErrNotFound = errors.New("not found")

// pqFields adds the Postgres error code and detail when err comes from the driver
func pqFields(err error) []zap.Field {
	fields := []zap.Field{zap.Error(err)}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		fields = append(fields,
			zap.String("pg_code", string(pqErr.Code)),
			zap.String("pg_detail", pqErr.Detail),
		)
	}
	return fields
}
