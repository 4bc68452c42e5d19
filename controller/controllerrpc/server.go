package controllerrpc

import (
	"context"
	"sync"

	"google.golang.org/grpc"

	"go.brokerha.dev/core/controller"
	pb "go.brokerha.dev/core/controller/controllerpb"
)

// server adapts a controller.Registry to the ControllerServer RPC
// surface: each mutating handler calls the matching Registry.HandleXxx
// and applies its events immediately, since this core assumes the
// consensus layer named in spec §1 is a single linearizable registry
// rather than a separate commit log (the registry itself is the durable
// state). grpc dispatches unary handlers concurrently, and
// Registry.HandleXxx/Apply are deliberately separate steps (spec §9's
// event/apply separation, kept pure so a real consensus layer can commit
// events between them) — applyMu serializes each Handle→Apply pair here
// so two concurrent requests against the same broker can't both read the
// same pre-mutation snapshot (e.g. the same nextBrokerId).
type server struct {
	registry *controller.Registry
	meta     func() pb.GetControllerMetaDataResponse

	applyMu sync.Mutex
}

// NewServer constructs a grpc.Server exposing registry. metaFn answers
// GetControllerMetaData (leadership and peer discovery), which is outside
// Registry's scope; pass nil to always report IsLeader: true with no
// peers (suitable for a single-controller deployment).
func NewServer(registry *controller.Registry, metaFn func() pb.GetControllerMetaDataResponse) *grpc.Server {
	if metaFn == nil {
		metaFn = func() pb.GetControllerMetaDataResponse { return pb.GetControllerMetaDataResponse{IsLeader: true} }
	}
	var s = grpc.NewServer()
	RegisterControllerServer(s, &server{registry: registry, meta: metaFn})
	return s
}

func (s *server) RegisterBroker(_ context.Context, req *pb.RegisterBrokerRequest) (*pb.RegisterBrokerResponse, error) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	var result = s.registry.HandleRegisterBroker(*req)
	s.registry.Apply(result.Events...)
	return &result.Response, nil
}

func (s *server) GetReplicaInfo(_ context.Context, req *pb.GetReplicaInfoRequest) (*pb.GetReplicaInfoResponse, error) {
	var resp = s.registry.HandleGetReplicaInfo(*req)
	return &resp, nil
}

func (s *server) AlterSyncStateSet(_ context.Context, req *pb.AlterSyncStateSetRequest) (*pb.AlterSyncStateSetResponse, error) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	var result = s.registry.HandleAlterSyncStateSet(*req)
	s.registry.Apply(result.Events...)
	return &result.Response, nil
}

func (s *server) ElectMaster(_ context.Context, req *pb.ElectMasterRequest) (*pb.ElectMasterResponse, error) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	var result = s.registry.HandleElectMaster(*req)
	s.registry.Apply(result.Events...)
	return &result.Response, nil
}

func (s *server) GetControllerMetaData(_ context.Context, _ *pb.GetReplicaInfoRequest) (*pb.GetControllerMetaDataResponse, error) {
	var resp = s.meta()
	return &resp, nil
}
