package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

func startHealth(t *testing.T) (*Server, healthpb.HealthClient) {
	t.Helper()
	srv := NewServer(zap.NewNop())
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	go srv.Serve()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient(srv.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return srv, healthpb.NewHealthClient(conn)
}

func check(t *testing.T, c healthpb.HealthClient, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.Status, nil
}

func TestControllerStatus(t *testing.T) {
	srv, client := startHealth(t)

	st, err := check(t, client, "")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)

	srv.SetServing(true)
	st, err = check(t, client, "")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)
}

func TestNodeStatus(t *testing.T) {
	srv, client := startHealth(t)

	_, err := check(t, client, "node-1")
	assert.Equal(t, codes.NotFound, status.Code(err))

	srv.SetNodeStatus(1, true)
	st, err := check(t, client, "node-1")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)

	srv.SetNodeStatus(1, false)
	st, err = check(t, client, "node-1")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)
}

func TestServeBeforeListen(t *testing.T) {
	srv := NewServer(zap.NewNop())
	assert.Error(t, srv.Serve())
}
