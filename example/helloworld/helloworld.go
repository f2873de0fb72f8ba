// Package helloworld is the demonstration upstream the gateway proxies to:
// a tiny reflective Greeter service with one unary and one server-streaming
// method, built from a hand-assembled file descriptor rather than
// protoc-generated stubs. It doubles as the fixture this package's test
// dials to exercise reflection discovery (reflectcache) and generic dispatch
// (dispatch) against a real reflective server; the HTTP front-end is not
// part of that test.
package helloworld

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

const (
	// ServiceName is the fully-qualified name reflection reports this
	// service under.
	ServiceName = "helloworld.Greeter"

	fileName = "helloworld/helloworld.proto"
)

var (
	fileDescriptor   protoreflect.FileDescriptor
	helloRequestDesc protoreflect.MessageDescriptor
	helloReplyDesc   protoreflect.MessageDescriptor
)

func init() {
	fdProto := &descriptorpb.FileDescriptorProto{
		Name:    proto.String(fileName),
		Package: proto.String("helloworld"),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: proto.String("HelloRequest"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{
						Name:     proto.String("name"),
						Number:   proto.Int32(1),
						Label:    descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
						Type:     descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(),
						JsonName: proto.String("name"),
					},
				},
			},
			{
				Name: proto.String("HelloReply"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{
						Name:     proto.String("message"),
						Number:   proto.Int32(1),
						Label:    descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
						Type:     descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(),
						JsonName: proto.String("message"),
					},
				},
			},
		},
		Service: []*descriptorpb.ServiceDescriptorProto{
			{
				Name: proto.String("Greeter"),
				Method: []*descriptorpb.MethodDescriptorProto{
					{
						Name:       proto.String("SayHello"),
						InputType:  proto.String(".helloworld.HelloRequest"),
						OutputType: proto.String(".helloworld.HelloReply"),
					},
					{
						Name:            proto.String("SayHelloStream"),
						InputType:       proto.String(".helloworld.HelloRequest"),
						OutputType:      proto.String(".helloworld.HelloReply"),
						ServerStreaming: proto.Bool(true),
					},
				},
			},
		},
	}

	fd, err := protodesc.NewFile(fdProto, protoregistry.GlobalFiles)
	if err != nil {
		panic(fmt.Sprintf("helloworld: build file descriptor: %v", err))
	}
	if err := protoregistry.GlobalFiles.RegisterFile(fd); err != nil {
		panic(fmt.Sprintf("helloworld: register file descriptor: %v", err))
	}

	fileDescriptor = fd
	helloRequestDesc = fd.Messages().ByName("HelloRequest")
	helloReplyDesc = fd.Messages().ByName("HelloReply")
}

// Greeter implements the two Greeter RPCs using dynamicpb messages bound to
// the descriptors above, so the service needs no compiled *.pb.go stubs
// either — it mirrors, on the server side, the same "no compiled stubs"
// design the gateway itself follows on the client side.
type Greeter struct{}

func (Greeter) sayHello(name string) *dynamicpb.Message {
	reply := dynamicpb.NewMessage(helloReplyDesc)
	reply.Set(helloReplyDesc.Fields().ByName("message"), protoreflect.ValueOfString("Hello, "+name+"!"))
	return reply
}

func sayHelloHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := dynamicpb.NewMessage(helloRequestDesc)
	if err := dec(req); err != nil {
		return nil, err
	}

	name, _ := req.Get(helloRequestDesc.Fields().ByName("name")).Interface().(string)
	return srv.(Greeter).sayHello(name), nil
}

func sayHelloStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	req := dynamicpb.NewMessage(helloRequestDesc)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}

	name, _ := req.Get(helloRequestDesc.Fields().ByName("name")).Interface().(string)
	for i := 0; i < 3; i++ {
		reply := srv.(Greeter).sayHello(fmt.Sprintf("%s (%d)", name, i+1))
		if err := stream.SendMsg(reply); err != nil {
			return err
		}
	}
	return nil
}

// ServiceDesc is registered on a *grpc.Server with (Greeter{}) as the impl.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SayHello", Handler: sayHelloHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "SayHelloStream", Handler: sayHelloStreamHandler, ServerStreams: true},
	},
	Metadata: fileName,
}

// Register wires the Greeter service onto srv and turns on server
// reflection, so a gateway dialing srv can discover SayHello/SayHelloStream
// via grpc.reflection.v1alpha.ServerReflection without compiled stubs.
func Register(srv *grpc.Server) {
	srv.RegisterService(&ServiceDesc, Greeter{})
	reflection.Register(srv)
}
