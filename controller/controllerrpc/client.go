package controllerrpc

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	pb "go.brokerha.dev/core/controller/controllerpb"
)

// Client is a thin wrapper over a *grpc.ClientConn dialed with the JSON
// codec selected by default, so callers never need to think about
// content-subtypes.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a controller at addr. The connection carries no
// transport security; callers deploying across an untrusted network
// should wrap this with their own credentials.TransportCredentials.
func Dial(addr string) (*Client, error) {
	var conn, err = grpc.Dial(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "controllerrpc: dialing %s", addr)
	}
	return &Client{conn: conn}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) RegisterBroker(ctx context.Context, req pb.RegisterBrokerRequest) (pb.RegisterBrokerResponse, error) {
	var resp pb.RegisterBrokerResponse
	var err = c.conn.Invoke(ctx, "/brokerha.controller.Controller/RegisterBroker", &req, &resp)
	return resp, errors.Wrap(err, "controllerrpc: RegisterBroker")
}

func (c *Client) GetReplicaInfo(ctx context.Context, req pb.GetReplicaInfoRequest) (pb.GetReplicaInfoResponse, error) {
	var resp pb.GetReplicaInfoResponse
	var err = c.conn.Invoke(ctx, "/brokerha.controller.Controller/GetReplicaInfo", &req, &resp)
	return resp, errors.Wrap(err, "controllerrpc: GetReplicaInfo")
}

func (c *Client) AlterSyncStateSet(ctx context.Context, req pb.AlterSyncStateSetRequest) (pb.AlterSyncStateSetResponse, error) {
	var resp pb.AlterSyncStateSetResponse
	var err = c.conn.Invoke(ctx, "/brokerha.controller.Controller/AlterSyncStateSet", &req, &resp)
	return resp, errors.Wrap(err, "controllerrpc: AlterSyncStateSet")
}

func (c *Client) ElectMaster(ctx context.Context, req pb.ElectMasterRequest) (pb.ElectMasterResponse, error) {
	var resp pb.ElectMasterResponse
	var err = c.conn.Invoke(ctx, "/brokerha.controller.Controller/ElectMaster", &req, &resp)
	return resp, errors.Wrap(err, "controllerrpc: ElectMaster")
}

func (c *Client) GetControllerMetaData(ctx context.Context, req pb.GetReplicaInfoRequest) (pb.GetControllerMetaDataResponse, error) {
	var resp pb.GetControllerMetaDataResponse
	var err = c.conn.Invoke(ctx, "/brokerha.controller.Controller/GetControllerMetaData", &req, &resp)
	return resp, errors.Wrap(err, "controllerrpc: GetControllerMetaData")
}
