package controllerrpc

import (
	"context"

	"google.golang.org/grpc"

	pb "go.brokerha.dev/core/controller/controllerpb"
)

// ControllerServer is the controller's RPC surface, per spec §6: broker
// registration, replica-info lookup, ISR alteration, master election, and
// leader-metadata discovery.
type ControllerServer interface {
	RegisterBroker(context.Context, *pb.RegisterBrokerRequest) (*pb.RegisterBrokerResponse, error)
	GetReplicaInfo(context.Context, *pb.GetReplicaInfoRequest) (*pb.GetReplicaInfoResponse, error)
	AlterSyncStateSet(context.Context, *pb.AlterSyncStateSetRequest) (*pb.AlterSyncStateSetResponse, error)
	ElectMaster(context.Context, *pb.ElectMasterRequest) (*pb.ElectMasterResponse, error)
	GetControllerMetaData(context.Context, *pb.GetReplicaInfoRequest) (*pb.GetControllerMetaDataResponse, error)
}

// RegisterControllerServer wires impl into s under the service's method
// table, the same role protoc-gen-go-grpc's generated RegisterXxxServer
// normally plays.
func RegisterControllerServer(s grpc.ServiceRegistrar, impl ControllerServer) {
	s.RegisterService(&serviceDesc, impl)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "brokerha.controller.Controller",
	HandlerType: (*ControllerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RegisterBroker", Handler: registerBrokerHandler},
		{MethodName: "GetReplicaInfo", Handler: getReplicaInfoHandler},
		{MethodName: "AlterSyncStateSet", Handler: alterSyncStateSetHandler},
		{MethodName: "ElectMaster", Handler: electMasterHandler},
		{MethodName: "GetControllerMetaData", Handler: getControllerMetaDataHandler},
	},
	Metadata: "controllerrpc",
}

func registerBrokerHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	var in = new(pb.RegisterBrokerRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControllerServer).RegisterBroker(ctx, in)
	}
	var info = &grpc.UnaryServerInfo{Server: srv, FullMethod: "/brokerha.controller.Controller/RegisterBroker"}
	var handler = func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControllerServer).RegisterBroker(ctx, req.(*pb.RegisterBrokerRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getReplicaInfoHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	var in = new(pb.GetReplicaInfoRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControllerServer).GetReplicaInfo(ctx, in)
	}
	var info = &grpc.UnaryServerInfo{Server: srv, FullMethod: "/brokerha.controller.Controller/GetReplicaInfo"}
	var handler = func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControllerServer).GetReplicaInfo(ctx, req.(*pb.GetReplicaInfoRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func alterSyncStateSetHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	var in = new(pb.AlterSyncStateSetRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControllerServer).AlterSyncStateSet(ctx, in)
	}
	var info = &grpc.UnaryServerInfo{Server: srv, FullMethod: "/brokerha.controller.Controller/AlterSyncStateSet"}
	var handler = func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControllerServer).AlterSyncStateSet(ctx, req.(*pb.AlterSyncStateSetRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func electMasterHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	var in = new(pb.ElectMasterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControllerServer).ElectMaster(ctx, in)
	}
	var info = &grpc.UnaryServerInfo{Server: srv, FullMethod: "/brokerha.controller.Controller/ElectMaster"}
	var handler = func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControllerServer).ElectMaster(ctx, req.(*pb.ElectMasterRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getControllerMetaDataHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	var in = new(pb.GetReplicaInfoRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControllerServer).GetControllerMetaData(ctx, in)
	}
	var info = &grpc.UnaryServerInfo{Server: srv, FullMethod: "/brokerha.controller.Controller/GetControllerMetaData"}
	var handler = func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControllerServer).GetControllerMetaData(ctx, req.(*pb.GetReplicaInfoRequest))
	}
	return interceptor(ctx, in, info, handler)
}
