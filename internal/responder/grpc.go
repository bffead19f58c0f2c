package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/caremate/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Service and method names for the gRPC transport. Payloads are
// google.protobuf.Struct values shaped like the JSON transport.
const (
	GrpcServiceName = "caremate.support.v1.Responder"
	grpcReplyMethod = "/" + GrpcServiceName + "/Reply"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig(addr string) GrpcClientConfig {
	return GrpcClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GrpcClient calls a responder over gRPC.
type GrpcClient struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// NewGrpcClient connects to a gRPC responder and waits until it is ready.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create responder client for %s: %w", cfg.Address, err)
	}

	// Fail fast on bad endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("responder at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to gRPC responder", "address", cfg.Address)
	return &GrpcClient{conn: conn, addr: cfg.Address, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Reply implements Responder.
func (c *GrpcClient) Reply(ctx context.Context, history []domain.WireMessage) (domain.SupportReply, error) {
	req, err := historyToStruct(history)
	if err != nil {
		return domain.SupportReply{}, fmt.Errorf("encode request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, grpcReplyMethod, req, resp); err != nil {
		if s, ok := status.FromError(err); ok && s.Code() != codes.Unavailable && s.Code() != codes.DeadlineExceeded {
			return domain.SupportReply{}, fmt.Errorf("%w: %s: %s", ErrStatus, s.Code(), s.Message())
		}
		return domain.SupportReply{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return structToReply(resp)
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// RegisterGrpcService exposes r on s under GrpcServiceName.
func RegisterGrpcService(s *grpc.Server, r Responder) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: GrpcServiceName,
		HandlerType: (*Responder)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Reply",
			Handler:    replyHandler,
		}},
		Metadata: "caremate/support.proto",
	}, r)
}

func replyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := &structpb.Struct{}
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		history, err := structToHistory(req.(*structpb.Struct))
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		reply, err := srv.(Responder).Reply(ctx, history)
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		return structpb.NewStruct(map[string]any{
			"reply":     reply.Reply,
			"risk_flag": reply.RiskFlag,
		})
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: grpcReplyMethod}
	return interceptor(ctx, in, info, call)
}

func historyToStruct(history []domain.WireMessage) (*structpb.Struct, error) {
	msgs := make([]any, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, map[string]any{"role": string(m.Role), "content": m.Content})
	}
	return structpb.NewStruct(map[string]any{"messages": msgs})
}

func structToHistory(s *structpb.Struct) ([]domain.WireMessage, error) {
	v, ok := s.GetFields()["messages"]
	if !ok || v.GetListValue() == nil {
		return nil, errors.New("bad request: messages[]")
	}
	var out []domain.WireMessage
	for _, item := range v.GetListValue().GetValues() {
		fields := item.GetStructValue().GetFields()
		out = append(out, domain.WireMessage{
			Role:    domain.Role(fields["role"].GetStringValue()),
			Content: fields["content"].GetStringValue(),
		})
	}
	return out, nil
}

func structToReply(s *structpb.Struct) (domain.SupportReply, error) {
	fields := s.GetFields()
	reply, ok := fields["reply"]
	if !ok {
		return domain.SupportReply{}, fmt.Errorf("%w: missing reply", ErrMalformed)
	}
	if _, isString := reply.GetKind().(*structpb.Value_StringValue); !isString {
		return domain.SupportReply{}, fmt.Errorf("%w: reply is not a string", ErrMalformed)
	}
	return domain.SupportReply{
		Reply:    reply.GetStringValue(),
		RiskFlag: fields["risk_flag"].GetBoolValue(),
	}, nil
}

var _ Responder = (*GrpcClient)(nil)
