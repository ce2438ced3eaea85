package gamev1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GameService_Session_FullMethodName is the fully-qualified method name of
// the bidirectional session stream.
const GameService_Session_FullMethodName = "/game.v1.GameService/Session"

// GameServiceServer is the server API for GameService.
type GameServiceServer interface {
	// Session carries one authenticated client connection for its lifetime.
	Session(GameService_SessionServer) error
}

// UnimplementedGameServiceServer can be embedded to satisfy GameServiceServer.
type UnimplementedGameServiceServer struct{}

// Session returns codes.Unimplemented.
func (UnimplementedGameServiceServer) Session(GameService_SessionServer) error {
	return status.Error(codes.Unimplemented, "method Session not implemented")
}

// GameService_SessionServer is the server side of the session stream.
type GameService_SessionServer interface {
	Send(*ServerEvent) error
	Recv() (*ClientMessage, error)
	grpc.ServerStream
}

type gameServiceSessionServer struct {
	grpc.ServerStream
}

func (x *gameServiceSessionServer) Send(m *ServerEvent) error {
	return x.ServerStream.SendMsg(m)
}

func (x *gameServiceSessionServer) Recv() (*ClientMessage, error) {
	m := new(ClientMessage)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func _GameService_Session_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(GameServiceServer).Session(&gameServiceSessionServer{ServerStream: stream})
}

// GameService_ServiceDesc describes GameService for grpc.ServiceRegistrar.
var GameService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "game.v1.GameService",
	HandlerType: (*GameServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Session",
			Handler:       _GameService_Session_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "game/v1/game.proto",
}

// RegisterGameServiceServer registers srv on s.
func RegisterGameServiceServer(s grpc.ServiceRegistrar, srv GameServiceServer) {
	s.RegisterService(&GameService_ServiceDesc, srv)
}

// GameServiceClient is the client API for GameService.
type GameServiceClient interface {
	Session(ctx context.Context, opts ...grpc.CallOption) (GameService_SessionClient, error)
}

type gameServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewGameServiceClient wraps cc. Every call is encoded with Codec.
func NewGameServiceClient(cc grpc.ClientConnInterface) GameServiceClient {
	return &gameServiceClient{cc: cc}
}

func (c *gameServiceClient) Session(ctx context.Context, opts ...grpc.CallOption) (GameService_SessionClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &GameService_ServiceDesc.Streams[0], GameService_Session_FullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	return &gameServiceSessionClient{ClientStream: stream}, nil
}

// GameService_SessionClient is the client side of the session stream.
type GameService_SessionClient interface {
	Send(*ClientMessage) error
	Recv() (*ServerEvent, error)
	grpc.ClientStream
}

type gameServiceSessionClient struct {
	grpc.ClientStream
}

func (x *gameServiceSessionClient) Send(m *ClientMessage) error {
	return x.ClientStream.SendMsg(m)
}

func (x *gameServiceSessionClient) Recv() (*ServerEvent, error) {
	m := new(ServerEvent)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
