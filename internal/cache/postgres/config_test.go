package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigPoolSizing(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want int32
	}{
		{"serial run", Config{}, minPoolConns},
		{"batch of four", Config{Concurrency: 4}, 5},
		{"wide batch is capped", Config{Concurrency: 64}, maxPoolConns},
		{"explicit size wins", Config{Concurrency: 64, MaxConns: 3}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.defaults()
			assert.Equal(t, tt.want, tt.cfg.MaxConns)
		})
	}
}

func TestConfigApply(t *testing.T) {
	cfg := Config{DSN: "postgres://u:p@localhost:5432/hikugen?sslmode=disable", Concurrency: 4}
	cfg.defaults()
	require.NoError(t, cfg.validate())

	pc, err := pgxpool.ParseConfig(cfg.DSN)
	require.NoError(t, err)
	cfg.apply(pc)

	assert.Equal(t, int32(5), pc.MaxConns)
	assert.Equal(t, int32(0), pc.MinConns)
	assert.Equal(t, 2*time.Minute, pc.MaxConnIdleTime)
	assert.Equal(t, "5000", pc.ConnConfig.RuntimeParams["statement_timeout"])
	assert.Equal(t, "hikugen-cache", pc.ConnConfig.RuntimeParams["application_name"])
}

func TestNewRequiresDSN(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.ErrorContains(t, err, "DSN is required")
}
