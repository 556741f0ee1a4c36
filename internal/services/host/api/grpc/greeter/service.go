// Package greeter implements the greeter.v1.Greeter gRPC service.
package greeter

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	grpcplatform "github.com/louisbranch/dualhost/internal/platform/grpc"
	"github.com/louisbranch/dualhost/internal/services/host/token"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "greeter.v1.Greeter"

const (
	// SayHelloMethod is the full method name of SayHello.
	SayHelloMethod = "/" + ServiceName + "/SayHello"
	// WhoAmIMethod is the full method name of WhoAmI.
	WhoAmIMethod = "/" + ServiceName + "/WhoAmI"
)

// Service implements the greeter methods.
type Service struct{}

// NewService creates a greeter service.
func NewService() *Service {
	return &Service{}
}

// Table returns the method table registered on the gRPC server.
func (s *Service) Table() grpcplatform.ServiceTable {
	return grpcplatform.ServiceTable{
		Name: ServiceName,
		Methods: []grpcplatform.Method{
			{
				Name:       "SayHello",
				NewRequest: func() proto.Message { return &wrapperspb.StringValue{} },
				Handle: func(ctx context.Context, req proto.Message) (proto.Message, error) {
					return s.SayHello(ctx, req.(*wrapperspb.StringValue))
				},
			},
			{
				Name:       "WhoAmI",
				NewRequest: func() proto.Message { return &emptypb.Empty{} },
				Handle: func(ctx context.Context, req proto.Message) (proto.Message, error) {
					return s.WhoAmI(ctx, req.(*emptypb.Empty))
				},
				Protected: true,
			},
		},
	}
}

// SayHello returns "hello <name>!".
func (s *Service) SayHello(_ context.Context, in *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	name := strings.TrimSpace(in.GetValue())
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "name is required")
	}
	return wrapperspb.String(fmt.Sprintf("hello %s!", name)), nil
}

// WhoAmI returns the verified claims of the caller.
func (s *Service) WhoAmI(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	claims, ok := token.FromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "authentication failed")
	}
	out, err := structpb.NewStruct(claims.Map())
	if err != nil {
		return nil, status.Error(codes.Internal, "internal error")
	}
	return out, nil
}
