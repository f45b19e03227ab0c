package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"kasirsync/terminal/internal/store"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"no rows", sql.ErrNoRows, store.ErrNotFound},
		{"connection failure", &pgconn.PgError{Code: "08006"}, store.ErrUnavailable},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, store.ErrUnavailable},
		{"insufficient privilege", &pgconn.PgError{Code: "42501", Message: "denied"}, store.ErrPermissionDenied},
		{"check violation", &pgconn.PgError{Code: "23514"}, store.ErrInvalidSale},
		{"numeric out of range", &pgconn.PgError{Code: "22003"}, store.ErrInvalidSale},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, classify(tc.err), tc.want)
		})
	}

	assert.Nil(t, classify(nil))
	other := errors.New("syntax")
	assert.Equal(t, other, classify(other))
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isUniqueViolation(other))
}

func TestOpenDefersConnection(t *testing.T) {
	s, err := Open("postgres://kasir@127.0.0.1:1/kasirsync?sslmode=disable&connect_timeout=2")
	if !assert.NoError(t, err) {
		return
	}
	defer s.Close()

	err = s.Ping(context.Background())
	assert.True(t, store.IsUnavailable(err), "refused connection should read as unavailable, got %v", err)
}
