package region

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/canonical/maas-sub025/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestGossip(t *testing.T, name string, seeds []string, onChange ConfigChangeHandler) *GossipService {
	t.Helper()
	gs, err := NewGossipService(config.ClusterConfig{
		Enabled:   true,
		BindAddr:  "127.0.0.1",
		BindPort:  0,
		SeedNodes: seeds,
	}, name, name+":1", onChange, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gs.Shutdown() })
	return gs
}

func TestGossip_ConfigChangeReachesOtherRegions(t *testing.T) {
	var refreshedA, refreshedB int32
	a := newTestGossip(t, "region-a", nil, func(context.Context) { atomic.AddInt32(&refreshedA, 1) })
	_ = newTestGossip(t, "region-b", []string{a.Address()}, func(context.Context) { atomic.AddInt32(&refreshedB, 1) })

	require.Eventually(t, func() bool { return a.NumMembers() == 2 }, 5*time.Second, 20*time.Millisecond)

	a.NotifyDiscoveryConfigChanged()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&refreshedB) >= 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&refreshedA))
}

func TestGossip_IgnoresOwnAndMalformedMessages(t *testing.T) {
	var refreshed int32
	gs := newTestGossip(t, "region-a", nil, func(context.Context) { atomic.AddInt32(&refreshed, 1) })

	gs.NotifyMsg([]byte(`{"type":"discovery_config_changed","origin":"region-a"}`))
	gs.NotifyMsg([]byte(`not json`))
	gs.NotifyMsg([]byte(`{"type":"something_else","origin":"region-b"}`))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&refreshed))

	gs.NotifyMsg([]byte(`{"type":"discovery_config_changed","origin":"region-b"}`))
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&refreshed) == 1 }, time.Second, 10*time.Millisecond)
}
