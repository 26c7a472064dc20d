package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reverseit/config"
)

func TestBuildRejectsMissingBackend(t *testing.T) {
	_, err := config.Build(config.Options{})
	require.Error(t, err)
	assert.IsType(t, &config.ConfigError{}, err)
}

func TestBuildRejectsMissingScheme(t *testing.T) {
	_, err := config.Build(config.Options{Backend: "//example.com"})
	require.Error(t, err)
}

func TestBuildRejectsUnknownScheme(t *testing.T) {
	_, err := config.Build(config.Options{Backend: "ftp://example.com"})
	require.Error(t, err)
}

func TestBuildRejectsMissingHost(t *testing.T) {
	_, err := config.Build(config.Options{Backend: "http://"})
	require.Error(t, err)
}

func TestBuildDefaultsPortFromScheme(t *testing.T) {
	cfg, err := config.Build(config.Options{Backend: "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, 443, cfg.Port)

	cfg, err = config.Build(config.Options{Backend: "http://example.com"})
	require.NoError(t, err)
	assert.Equal(t, 80, cfg.Port)
}

func TestBuildExplicitPort(t *testing.T) {
	cfg, err := config.Build(config.Options{Backend: "http://example.com:9000"})
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
}

func TestBuildDefaults(t *testing.T) {
	cfg, err := config.Build(config.Options{Backend: "http://example.com"})
	require.NoError(t, err)
	assert.Equal(t, 30_000, cfg.TimeoutMS)
	assert.Equal(t, 5_000, cfg.ConnectMS)
	assert.True(t, cfg.VerifyTLS)
	assert.Equal(t, int64(10*1024*1024), cfg.MaxBodySize)
	assert.True(t, cfg.Protocols[config.HTTP1])
	assert.True(t, cfg.Protocols[config.HTTP2])
	assert.Equal(t, 502, cfg.ErrorResponse.Status)
}

func TestBuildNormalizesPrefixes(t *testing.T) {
	cfg, err := config.Build(config.Options{
		Backend:   "http://example.com/api/",
		StripPath: "/old/",
	})
	require.NoError(t, err)
	assert.Equal(t, "/api", cfg.PathPrefix)
	assert.Equal(t, "/old", cfg.StripPath)
}

func TestBuildUnlimitedBodySize(t *testing.T) {
	unlimited := int64(-1)
	cfg, err := config.Build(config.Options{Backend: "http://example.com", MaxBodySize: &unlimited})
	require.NoError(t, err)
	assert.Equal(t, config.Unlimited, cfg.MaxBodySize)
}

func TestBuildProtocolsSubset(t *testing.T) {
	cfg, err := config.Build(config.Options{Backend: "http://example.com", Protocols: []config.Protocol{config.HTTP1}})
	require.NoError(t, err)
	assert.True(t, cfg.Protocols[config.HTTP1])
	assert.False(t, cfg.Protocols[config.HTTP2])
}

func TestBuildRejectsUnknownProtocol(t *testing.T) {
	_, err := config.Build(config.Options{Backend: "http://example.com", Protocols: []config.Protocol{"http3"}})
	require.Error(t, err)
}

func TestEqualIgnoresPoolRef(t *testing.T) {
	a, err := config.Build(config.Options{Backend: "http://example.com", PoolRef: "pool-a"})
	require.NoError(t, err)
	b, err := config.Build(config.Options{Backend: "http://example.com", PoolRef: "pool-b"})
	require.NoError(t, err)
	assert.True(t, config.Equal(a, b))
}
