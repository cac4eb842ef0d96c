package app

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestMigrateURL(t *testing.T) {
	require.Equal(t, "pgx5://u:p@db:5432/payments?sslmode=disable", migrateURL("postgres://u:p@db:5432/payments?sslmode=disable"))
	require.Equal(t, "pgx5://db/payments", migrateURL("postgresql://db/payments"))
	require.Equal(t, "pgx5://db/payments", migrateURL("pgx5://db/payments"))
}

func TestNewRedis(t *testing.T) {
	client, err := NewRedis(context.Background(), "", false, zerolog.Nop())
	require.NoError(t, err)
	require.Nil(t, client)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err = NewRedis(context.Background(), "redis://"+mr.Addr()+"/0", false, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())

	_, err = NewRedis(context.Background(), "not a url", false, zerolog.Nop())
	require.Error(t, err)
}

func TestAsynqRedis(t *testing.T) {
	_, err := AsynqRedis("")
	require.Error(t, err)

	opt, err := AsynqRedis("redis://localhost:6379/2")
	require.NoError(t, err)
	require.NotNil(t, opt)
}
