// Package postgres implements the store interfaces on PostgreSQL through
// database/sql and the pgx driver. Schema changes ship as embedded goose
// migrations; database errors are translated into the domain error taxonomy
// by MapError.
package postgres
