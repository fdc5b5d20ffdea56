package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/gorcd/internal/core/config"
	"github.com/zeusync/gorcd/internal/core/observability/log"
)

func TestNewWiresEveryComponent(t *testing.T) {
	cfg := config.Default()
	s := New(cfg, log.Provide())

	require.NotNil(t, s.Bus())
	require.NotNil(t, s.Store())
	require.NotNil(t, s.Registry())
	require.NotNil(t, s.PluginHost())
}

func TestSnapshotReflectsFreshComponents(t *testing.T) {
	cfg := config.Default()
	s := New(cfg, log.Provide())

	snap := s.Snapshot()
	require.Zero(t, snap.UpdatesDropped)
	require.Zero(t, snap.InboundDropped)
	require.Zero(t, snap.AbiMismatches)
}

func TestStopBeforeStartReturnsErrServerNotRunning(t *testing.T) {
	cfg := config.Default()
	s := New(cfg, log.Provide())

	err := s.Stop(context.Background())
	require.ErrorIs(t, err, ErrServerNotRunning)
}
