// Package remote exposes an Actuator over gRPC so the stage controller can
// live on the laser-lab computer while acquisition runs elsewhere. Messages
// are protobuf well-known types, so no generated code is needed.
package remote

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/banshee-data/laserscan/internal/devices"
)

const serviceName = "laserscan.stage.v1.Stage"

const (
	methodSetPosition = "/" + serviceName + "/SetPosition"
	methodPosition    = "/" + serviceName + "/Position"
	methodSetServo    = "/" + serviceName + "/SetServo"
	methodIdentify    = "/" + serviceName + "/Identify"
)

// Identifier is optionally implemented by actuators that can name themselves.
type Identifier interface {
	Identify(ctx context.Context) (string, error)
}

type stageService struct {
	stage devices.Actuator
}

// serviceDesc is the hand-written equivalent of protoc-gen-go-grpc output.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SetPosition", Handler: handleSetPosition},
		{MethodName: "Position", Handler: handlePosition},
		{MethodName: "SetServo", Handler: handleSetServo},
		{MethodName: "Identify", Handler: handleIdentify},
	},
	Metadata: "laserscan/stage.proto",
}

// Register serves stage on s.
func Register(s *grpc.Server, stage devices.Actuator) {
	s.RegisterService(&serviceDesc, &stageService{stage: stage})
}

func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Unavailable, err.Error())
}

func fieldNumber(s *structpb.Struct, name string) (float64, error) {
	v, ok := s.GetFields()[name]
	if !ok {
		return 0, status.Errorf(codes.InvalidArgument, "missing field %q", name)
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, status.Errorf(codes.InvalidArgument, "field %q is not a number", name)
	}
	return n.NumberValue, nil
}

func unary[Req any](srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor,
	method string, req Req, call func(*stageService, context.Context, Req) (any, error)) (any, error) {
	if err := dec(req); err != nil {
		return nil, err
	}
	svc := srv.(*stageService)
	if interceptor == nil {
		return call(svc, ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
	return interceptor(ctx, req, info, func(ctx context.Context, r any) (any, error) {
		return call(svc, ctx, r.(Req))
	})
}

func handleSetPosition(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(srv, ctx, dec, interceptor, methodSetPosition, new(structpb.Struct),
		func(s *stageService, ctx context.Context, req *structpb.Struct) (any, error) {
			axis, err := fieldNumber(req, "axis")
			if err != nil {
				return nil, err
			}
			value, err := fieldNumber(req, "value")
			if err != nil {
				return nil, err
			}
			if err := s.stage.SetPosition(ctx, int(axis), value); err != nil {
				return nil, toStatus(err)
			}
			return &emptypb.Empty{}, nil
		})
}

func handlePosition(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(srv, ctx, dec, interceptor, methodPosition, new(wrapperspb.Int32Value),
		func(s *stageService, ctx context.Context, req *wrapperspb.Int32Value) (any, error) {
			pos, err := s.stage.Position(ctx, int(req.GetValue()))
			if err != nil {
				return nil, toStatus(err)
			}
			return wrapperspb.Double(pos), nil
		})
}

func handleSetServo(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(srv, ctx, dec, interceptor, methodSetServo, new(structpb.Struct),
		func(s *stageService, ctx context.Context, req *structpb.Struct) (any, error) {
			axis, err := fieldNumber(req, "axis")
			if err != nil {
				return nil, err
			}
			on := req.GetFields()["on"].GetBoolValue()
			if err := s.stage.SetServo(ctx, int(axis), on); err != nil {
				return nil, toStatus(err)
			}
			return &emptypb.Empty{}, nil
		})
}

func handleIdentify(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(srv, ctx, dec, interceptor, methodIdentify, new(emptypb.Empty),
		func(s *stageService, ctx context.Context, _ *emptypb.Empty) (any, error) {
			id := "unknown stage"
			if ider, ok := s.stage.(Identifier); ok {
				v, err := ider.Identify(ctx)
				if err != nil {
					return nil, toStatus(err)
				}
				id = v
			}
			return wrapperspb.String(id), nil
		})
}

// Client is a devices.Actuator backed by a remote stage server. Every call
// is a blocking unary RPC bounded by the client timeout.
type Client struct {
	conn    grpc.ClientConnInterface
	closer  func() error
	timeout time.Duration
}

// Dial connects to a stage server at addr. Extra dial options (for example a
// bufconn dialer in tests) are appended after the insecure credentials.
func Dial(addr string, timeout time.Duration, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create stage client for %s: %w", addr, err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{conn: conn, closer: conn.Close, timeout: timeout}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return fmt.Errorf("stage %s: %w", method, err)
	}
	return nil
}

// SetPosition commands an absolute move on axis.
func (c *Client) SetPosition(ctx context.Context, axis int, value float64) error {
	req, err := structpb.NewStruct(map[string]any{"axis": axis, "value": value})
	if err != nil {
		return err
	}
	return c.invoke(ctx, methodSetPosition, req, &emptypb.Empty{})
}

// Position reads the current position of axis.
func (c *Client) Position(ctx context.Context, axis int) (float64, error) {
	resp := &wrapperspb.DoubleValue{}
	if err := c.invoke(ctx, methodPosition, wrapperspb.Int32(int32(axis)), resp); err != nil {
		return 0, err
	}
	return resp.GetValue(), nil
}

// SetServo switches servo control on axis.
func (c *Client) SetServo(ctx context.Context, axis int, on bool) error {
	req, err := structpb.NewStruct(map[string]any{"axis": axis, "on": on})
	if err != nil {
		return err
	}
	return c.invoke(ctx, methodSetServo, req, &emptypb.Empty{})
}

// Identify returns the remote controller identity.
func (c *Client) Identify(ctx context.Context) (string, error) {
	resp := &wrapperspb.StringValue{}
	if err := c.invoke(ctx, methodIdentify, &emptypb.Empty{}, resp); err != nil {
		return "", err
	}
	return resp.GetValue(), nil
}
