package controllerrpc

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"go.brokerha.dev/core/controller"
	pb "go.brokerha.dev/core/controller/controllerpb"
)

func startServer(t *testing.T, registry *controller.Registry) *bufconn.Listener {
	t.Helper()
	var lis = bufconn.Listen(1024 * 1024)
	var srv = NewServer(registry, nil)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return lis
}

func dialBufconn(t *testing.T, lis *bufconn.Listener) *Client {
	t.Helper()
	var conn, err = grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
		grpc.WithBlock(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &Client{conn: conn}
}

// TestRegisterBrokerThenGetReplicaInfoOverRPC exercises the full JSON
// grpc round trip, not just the in-process Registry used elsewhere.
func TestRegisterBrokerThenGetReplicaInfoOverRPC(t *testing.T) {
	var registry = controller.NewRegistry()
	var lis = startServer(t, registry)
	var client = dialBufconn(t, lis)

	var ctx = context.Background()
	var regResp, err = client.RegisterBroker(ctx, pb.RegisterBrokerRequest{
		ClusterName: "clusterA", BrokerName: "broker1", BrokerAddress: "10.0.0.1:10911",
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), regResp.BrokerId)
	require.Equal(t, "10.0.0.1:10911", regResp.MasterAddress)

	var infoResp, err2 = client.GetReplicaInfo(ctx, pb.GetReplicaInfoRequest{BrokerName: "broker1"})
	require.NoError(t, err2)
	require.Equal(t, pb.None, infoResp.ErrorCode)
	require.Equal(t, "10.0.0.1:10911", infoResp.MasterAddress)
	require.Contains(t, infoResp.SyncStateSet, "10.0.0.1:10911")
}

func TestGetControllerMetaDataOverRPC(t *testing.T) {
	var registry = controller.NewRegistry()
	var lis = startServer(t, registry)
	var client = dialBufconn(t, lis)

	var resp, err = client.GetControllerMetaData(context.Background(), pb.GetReplicaInfoRequest{})
	require.NoError(t, err)
	require.True(t, resp.IsLeader)
}
