package bootstrap

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/santeplus/medportal/config"
)

func TestHasRedisConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  *config.RedisConfig
		want bool
	}{
		{name: "nil", cfg: nil},
		{name: "empty", cfg: &config.RedisConfig{}},
		{name: "uri", cfg: &config.RedisConfig{URI: "cache:6379"}, want: true},
		{name: "cluster nodes", cfg: &config.RedisConfig{UseCluster: true, ClusterNodes: []string{"n1:7000"}}, want: true},
		{name: "cluster blank nodes", cfg: &config.RedisConfig{UseCluster: true, ClusterNodes: []string{" "}}},
		{name: "sentinel", cfg: &config.RedisConfig{UseSentinel: true, SentinelNodes: []string{"s1:26379"}}, want: true},
		{name: "sentinel without nodes", cfg: &config.RedisConfig{UseSentinel: true, URI: "cache:6379"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HasRedisConfig(tt.cfg))
		})
	}
}

func TestNeedsDBAndRedis(t *testing.T) {
	cfg := &config.AppConfig{Services: "http", Session: config.SessionConfig{Store: config.StoreKindMemory}}
	assert.False(t, NeedsDB(cfg))
	assert.False(t, NeedsRedis(cfg))

	cfg.Session.Store = config.StoreKindRedis
	assert.True(t, NeedsRedis(cfg))

	cfg.Session.Store = config.StoreKindPostgres
	assert.True(t, NeedsDB(cfg))

	cfg.Session.Store = config.StoreKindMemory
	cfg.Services = "http,reaper"
	assert.True(t, NeedsDB(cfg))
}

func TestConnectInfra_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &config.AppConfig{Redis: config.RedisConfig{URI: mr.Addr()}}

	infra, err := ConnectInfra(t.Context(), InfraOptions{Config: cfg, Logger: discardLogger(), WantRedis: true})
	require.NoError(t, err)
	require.NotNil(t, infra.Redis)
	assert.Nil(t, infra.DB)
	require.NoError(t, infra.Redis.Set(t.Context(), "k", "v", 0).Err())
	require.NoError(t, infra.Close())
}

func TestConnectInfra_Errors(t *testing.T) {
	_, err := ConnectInfra(t.Context(), InfraOptions{})
	require.Error(t, err)

	_, err = ConnectInfra(t.Context(), InfraOptions{Config: &config.AppConfig{}, WantRedis: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_URI")

	none, err := ConnectInfra(t.Context(), InfraOptions{Config: &config.AppConfig{}})
	require.NoError(t, err)
	assert.NoError(t, none.Close())
}
