package generation

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/open-dialogue/internal/domain"
)

// ServiceName is the fully qualified gRPC service name of the generator.
const ServiceName = "opendialogue.v1.Generator"

const generateMethod = "/" + ServiceName + "/Generate"

// GeneratorServer is the server side of the generator service.
type GeneratorServer interface {
	Generate(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func generateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GeneratorServer).Generate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: generateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(GeneratorServer).Generate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var generatorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GeneratorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Generate", Handler: generateHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "opendialogue/v1/generator.proto",
}

// RegisterGeneratorServer registers srv on a gRPC server.
func RegisterGeneratorServer(s grpc.ServiceRegistrar, srv GeneratorServer) {
	s.RegisterService(&generatorServiceDesc, srv)
}

// ServerAdapter serves any Generator over gRPC.
type ServerAdapter struct {
	Generator Generator
}

// Generate implements GeneratorServer.
func (a ServerAdapter) Generate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	reply, err := a.Generator.Generate(ctx, DecodeRequest(req))
	if err != nil {
		return structpb.NewStruct(map[string]any{"error": err.Error()})
	}
	return EncodeReply(reply)
}

func domainIdentity(s string) domain.Identity {
	id, err := domain.ParseIdentity(s)
	if err != nil {
		return ""
	}
	return id
}
