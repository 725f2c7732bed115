package ipc

import (
	"context"

	"google.golang.org/grpc"
)

// Full method names.
const (
	BrokerRequestMethod   = "/replicad.Broker/Request"
	ReceiverReceiveMethod = "/replicad.Receiver/Receive"
)

// BrokerServer handles request/reply traffic on the local IPC socket.
type BrokerServer interface {
	Request(ctx context.Context, req *Frames) (*Frames, error)
}

// ReceiverServer accepts replication streams from remote senders.
type ReceiverServer interface {
	Receive(stream ReceiveServerStream) error
}

// ReceiveServerStream is the server side of a Receive call: the client
// streams Frames and the server answers once.
type ReceiveServerStream interface {
	Recv() (*Frames, error)
	SendAndClose(*Frames) error
	Context() context.Context
}

// ReceiveClientStream is the sending side of a Receive call.
type ReceiveClientStream interface {
	Send(*Frames) error
	CloseAndRecv() (*Frames, error)
}

// BrokerServiceDesc describes replicad.Broker.
var BrokerServiceDesc = grpc.ServiceDesc{
	ServiceName: "replicad.Broker",
	HandlerType: (*BrokerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Request", Handler: brokerRequestHandler},
	},
	Metadata: "replicad/ipc",
}

// ReceiverServiceDesc describes replicad.Receiver.
var ReceiverServiceDesc = grpc.ServiceDesc{
	ServiceName: "replicad.Receiver",
	HandlerType: (*ReceiverServer)(nil),
	Streams: []grpc.StreamDesc{
		{StreamName: "Receive", Handler: receiverReceiveHandler, ClientStreams: true},
	},
	Metadata: "replicad/ipc",
}

// RegisterBrokerServer registers srv on s.
func RegisterBrokerServer(s grpc.ServiceRegistrar, srv BrokerServer) {
	s.RegisterService(&BrokerServiceDesc, srv)
}

// RegisterReceiverServer registers srv on s.
func RegisterReceiverServer(s grpc.ServiceRegistrar, srv ReceiverServer) {
	s.RegisterService(&ReceiverServiceDesc, srv)
}

func brokerRequestHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Frames)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BrokerServer).Request(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: BrokerRequestMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BrokerServer).Request(ctx, req.(*Frames))
	}
	return interceptor(ctx, in, info, handler)
}

func receiverReceiveHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ReceiverServer).Receive(&receiveServerStream{stream})
}

type receiveServerStream struct {
	grpc.ServerStream
}

func (s *receiveServerStream) Recv() (*Frames, error) {
	m := new(Frames)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *receiveServerStream) SendAndClose(m *Frames) error {
	return s.ServerStream.SendMsg(m)
}

type receiveClientStream struct {
	grpc.ClientStream
}

func (s *receiveClientStream) Send(m *Frames) error {
	return s.ClientStream.SendMsg(m)
}

func (s *receiveClientStream) CloseAndRecv() (*Frames, error) {
	if err := s.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(Frames)
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// callOptions selects the frames codec for every call.
func callOptions(extra []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, extra...)
}

// Request performs one Broker.Request call.
func Request(ctx context.Context, cc grpc.ClientConnInterface, req *Frames, opts ...grpc.CallOption) (*Frames, error) {
	out := new(Frames)
	if err := cc.Invoke(ctx, BrokerRequestMethod, req, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

// OpenReceive starts a Receiver.Receive stream.
func OpenReceive(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (ReceiveClientStream, error) {
	s, err := cc.NewStream(ctx, &ReceiverServiceDesc.Streams[0], ReceiverReceiveMethod, callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	return &receiveClientStream{s}, nil
}
