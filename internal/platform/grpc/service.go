package grpc

import (
	"context"
	"fmt"
	"sort"
	"strings"

	gogrpc "google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
)

// UnaryFunc handles one decoded request message.
type UnaryFunc func(ctx context.Context, req proto.Message) (proto.Message, error)

// Method is one entry in a ServiceTable.
type Method struct {
	// Name is the bare method name, e.g. "SayHello".
	Name string
	// NewRequest returns an empty request message to decode into.
	NewRequest func() proto.Message
	// Handle runs the method.
	Handle UnaryFunc
	// Protected methods require a verified bearer credential.
	Protected bool
}

// ServiceTable maps method names to handlers for one gRPC service. It is
// compiled into a grpc.ServiceDesc at registration, so services need no
// generated stubs.
type ServiceTable struct {
	// Name is the fully qualified service name, e.g. "greeter.v1.Greeter".
	Name    string
	Methods []Method
}

// FullMethod returns the "/service/method" name used on the wire.
func (t ServiceTable) FullMethod(method string) string {
	return "/" + t.Name + "/" + method
}

// Validate reports structural problems in the table.
func (t ServiceTable) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("service name is required")
	}
	seen := make(map[string]bool, len(t.Methods))
	for _, method := range t.Methods {
		if strings.TrimSpace(method.Name) == "" {
			return fmt.Errorf("service %s: method name is required", t.Name)
		}
		if seen[method.Name] {
			return fmt.Errorf("service %s: duplicate method %s", t.Name, method.Name)
		}
		if method.NewRequest == nil || method.Handle == nil {
			return fmt.Errorf("service %s: method %s needs a request factory and handler", t.Name, method.Name)
		}
		seen[method.Name] = true
	}
	return nil
}

// Desc compiles the table into a service descriptor.
func (t ServiceTable) Desc() gogrpc.ServiceDesc {
	desc := gogrpc.ServiceDesc{
		ServiceName: t.Name,
		HandlerType: (*any)(nil),
		Metadata:    t.Name,
	}
	for _, method := range t.Methods {
		desc.Methods = append(desc.Methods, gogrpc.MethodDesc{
			MethodName: method.Name,
			Handler:    method.handler(t.FullMethod(method.Name)),
		})
	}
	return desc
}

// ProtectedMethods returns the sorted full names of protected methods.
func (t ServiceTable) ProtectedMethods() []string {
	var names []string
	for _, method := range t.Methods {
		if method.Protected {
			names = append(names, t.FullMethod(method.Name))
		}
	}
	sort.Strings(names)
	return names
}

// Register validates the table and registers it on server.
func Register(server gogrpc.ServiceRegistrar, table ServiceTable) error {
	if err := table.Validate(); err != nil {
		return err
	}
	desc := table.Desc()
	server.RegisterService(&desc, table)
	return nil
}

func (m Method) handler(fullMethod string) gogrpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor gogrpc.UnaryServerInterceptor) (any, error) {
		in := m.NewRequest()
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return m.Handle(ctx, in)
		}
		info := &gogrpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			message, ok := req.(proto.Message)
			if !ok {
				return nil, fmt.Errorf("request %T is not a protobuf message", req)
			}
			return m.Handle(ctx, message)
		})
	}
}
