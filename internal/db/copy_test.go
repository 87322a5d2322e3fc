package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFrom_EmptyRows(t *testing.T) {
	n, err := CopyFrom(context.TODO(), nil, "operations", []string{"a", "b"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := [][]any{
		{"op-1", 1, "dělení materiálu"},
		{"op-2", 2, "svařování"},
	}
	mock.ExpectCopyFrom(pgx.Identifier{"operations"}, []string{"id", "seq", "name"}).
		WillReturnResult(2)

	n, err := CopyFrom(context.Background(), mock, "operations", []string{"id", "seq", "name"}, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"operations"}, []string{"id"}).
		WillReturnError(fmt.Errorf("connection reset"))

	_, err = CopyFrom(context.Background(), mock, "operations", []string{"id"}, [][]any{{"op-1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO operations")
	assert.NoError(t, mock.ExpectationsWereMet())
}
