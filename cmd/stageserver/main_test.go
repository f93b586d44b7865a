package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/banshee-data/laserscan/internal/devices/remote"
	"github.com/banshee-data/laserscan/internal/devices/sim"
	"github.com/banshee-data/laserscan/internal/timeutil"
)

func TestServe_StageRoundTrip(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	stage := sim.NewStage(clock, 1, sim.WithInitialPosition(2))
	lis := bufconn.Listen(1 << 20)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- serve(ctx, newServer(namedStage{Actuator: stage, name: "bench stage"}, true), lis) }()

	client, err := remote.Dial("passthrough:///bufnet", time.Second,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	defer client.Close()

	id, err := client.Identify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bench stage", id)

	pos, err := client.Position(context.Background(), 1)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, pos, 1e-6)

	require.NoError(t, client.SetServo(context.Background(), 1, true))
	require.NoError(t, client.SetPosition(context.Background(), 1, 2.5))
	clock.Advance(time.Second)
	pos, err = client.Position(context.Background(), 1)
	require.NoError(t, err)
	assert.InDelta(t, 2.5, pos, 1e-6)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
