package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName   = "webterm.EventService"
	ChannelMethod = "/" + ServiceName + "/Channel"

	// KeyMetadata carries the authentication key on the gRPC channel.
	KeyMetadata = "key"
)

var ErrUnexpectedMessage = errors.New("unexpected message")

// EventServiceServer is implemented by the terminal server.
type EventServiceServer interface {
	Channel(EventService_ChannelServer) error
}

//nolint:revive,stylecheck // named after the generated gRPC stream types
type EventService_ChannelServer interface {
	Send(*anypb.Any) error
	Recv() (*anypb.Any, error)
	grpc.ServerStream
}

//nolint:revive,stylecheck // named after the generated gRPC stream types
type EventService_ChannelClient interface {
	Send(*anypb.Any) error
	Recv() (*anypb.Any, error)
	grpc.ClientStream
}

// EventServiceDesc describes the single bidirectional Channel call. The messages are
// well-known types, so there's no generated code behind it.
var EventServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EventServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Channel",
			Handler:       channelHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "webterm/event.proto",
}

func RegisterEventServiceServer(registrar grpc.ServiceRegistrar, server EventServiceServer) {
	registrar.RegisterService(&EventServiceDesc, server)
}

func NewChannelClient(
	ctx context.Context,
	cc grpc.ClientConnInterface,
	opts ...grpc.CallOption,
) (EventService_ChannelClient, error) {
	stream, err := cc.NewStream(ctx, &EventServiceDesc.Streams[0], ChannelMethod, opts...)
	if err != nil {
		return nil, err
	}

	return &channelStream{stream}, nil
}

func channelHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(EventServiceServer).Channel(&channelServerStream{stream})
}

type channelServerStream struct {
	grpc.ServerStream
}

func (stream *channelServerStream) Send(message *anypb.Any) error {
	return stream.ServerStream.SendMsg(message)
}

func (stream *channelServerStream) Recv() (*anypb.Any, error) {
	message := new(anypb.Any)
	if err := stream.ServerStream.RecvMsg(message); err != nil {
		return nil, err
	}

	return message, nil
}

type channelStream struct {
	grpc.ClientStream
}

func (stream *channelStream) Send(message *anypb.Any) error {
	return stream.ClientStream.SendMsg(message)
}

func (stream *channelStream) Recv() (*anypb.Any, error) {
	message := new(anypb.Any)
	if err := stream.ClientStream.RecvMsg(message); err != nil {
		return nil, err
	}

	return message, nil
}

// EncodeEvent packs a control event into a google.protobuf.Struct.
func EncodeEvent(event Event) (*anypb.Any, error) {
	jsonBytes, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}

	fields := &structpb.Struct{}
	if err := protojson.Unmarshal(jsonBytes, fields); err != nil {
		return nil, err
	}

	return anypb.New(fields)
}

// EncodeData packs terminal bytes into a google.protobuf.BytesValue.
func EncodeData(data []byte) (*anypb.Any, error) {
	return anypb.New(wrapperspb.Bytes(data))
}

// Decode unpacks a channel message. A nil event means the message carried terminal data.
func Decode(message *anypb.Any) (*Event, []byte, error) {
	payload, err := message.UnmarshalNew()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnexpectedMessage, err)
	}

	switch typed := payload.(type) {
	case *wrapperspb.BytesValue:
		return nil, typed.GetValue(), nil
	case *structpb.Struct:
		jsonBytes, err := protojson.Marshal(typed)
		if err != nil {
			return nil, nil, err
		}

		var event Event
		if err := json.Unmarshal(jsonBytes, &event); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrUnexpectedMessage, err)
		}

		if event.Event == "" {
			return nil, nil, fmt.Errorf("%w: event name is missing", ErrUnexpectedMessage)
		}

		return &event, nil, nil
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnexpectedMessage, message.GetTypeUrl())
	}
}
