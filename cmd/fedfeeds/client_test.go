package main

import (
	"context"
	"testing"

	"fedfeeds/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionUsesPinnedServers(t *testing.T) {
	t.Setenv("FEDFEEDS_CONFIG_DIR", t.TempDir())

	cfg, err := config.LoadClientConfig()
	require.NoError(t, err)
	cfg.Defaults.AutoDiscovery = false
	require.NoError(t, cfg.AddServer(config.ServerInfo{Domain: "d1", Service: "feeds", URI: "http://a:8080/rest"}))

	s, err := newSession()
	require.NoError(t, err)
	defer s.Close()

	uris, err := s.KnownURIsOf(context.Background(), "feeds.d1", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://a:8080/rest"}, uris)

	_, err = s.KnownURIsOf(context.Background(), "users.d1", 1)
	assert.Error(t, err, "no pinned server and discovery disabled")

	serviceURI = "grpc://b:9090/grpc"
	defer func() { serviceURI = "" }()
	uris, err = s.KnownURIsOf(context.Background(), "users.d1", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"grpc://b:9090/grpc"}, uris)
}
