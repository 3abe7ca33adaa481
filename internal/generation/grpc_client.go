package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/open-dialogue/internal/prompt"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errGenerateResponse         = errors.New("generate response returned error")
)

// GrpcClient calls an external generator service over gRPC.
type GrpcClient struct {
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
	addr    string
	timeout time.Duration
	logger  *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig(addr string) GrpcClientConfig {
	return GrpcClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   120 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient connects to the generator service at addr.
func NewGrpcClient(addr string, logger *slog.Logger) (*GrpcClient, error) {
	return NewGrpcClientWithOptions(DefaultGrpcClientConfig(addr), logger)
}

// NewGrpcClientWithOptions connects with an explicit config and extra dial
// options, and fails fast when the endpoint never becomes ready.
func NewGrpcClientWithOptions(cfg GrpcClientConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GrpcClient, error) {
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

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to generator at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("generator at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to generator service", "address", cfg.Address)

	return &GrpcClient{
		conn:    conn,
		health:  healthpb.NewHealthClient(conn),
		addr:    cfg.Address,
		timeout: cfg.RequestTimeout,
		logger:  logger,
	}, nil
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

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health checks the standard gRPC health service of the generator.
func (c *GrpcClient) Health(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("generator not serving: %s", resp.GetStatus())
	}
	return nil
}

// Generate sends the instruction set and waits for the final text.
func (c *GrpcClient) Generate(ctx context.Context, pc prompt.Context) (Reply, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := EncodeRequest(pc)
	if err != nil {
		return Reply{}, fmt.Errorf("encode generate request: %w", err)
	}

	start := time.Now()
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, generateMethod, req, resp); err != nil {
		c.logger.Error("Generate failed", "error", err, "agent", pc.Agent.Name)
		return Reply{}, fmt.Errorf("generate request failed: %w", err)
	}

	reply, err := DecodeReply(resp)
	if err != nil {
		return Reply{}, err
	}
	if reply.Elapsed == 0 {
		reply.Elapsed = time.Since(start)
	}
	return reply, nil
}

// EncodeRequest renders a prompt context as the wire payload.
func EncodeRequest(pc prompt.Context) (*structpb.Struct, error) {
	instructions := make([]any, 0, len(pc.Instructions))
	for _, in := range pc.Instructions {
		instructions = append(instructions, map[string]any{
			"kind":    string(in.Kind),
			"content": in.Content,
		})
	}
	return structpb.NewStruct(map[string]any{
		"agent":        pc.Agent.Name,
		"agent_id":     string(pc.Agent.ID),
		"instructions": instructions,
	})
}

// DecodeRequest is the inverse of EncodeRequest.
func DecodeRequest(s *structpb.Struct) prompt.Context {
	fields := s.GetFields()
	var pc prompt.Context
	pc.Agent.Name = fields["agent"].GetStringValue()
	pc.Agent.ID = domainIdentity(fields["agent_id"].GetStringValue())
	for _, v := range fields["instructions"].GetListValue().GetValues() {
		f := v.GetStructValue().GetFields()
		pc.Instructions = append(pc.Instructions, prompt.Instruction{
			Kind:    prompt.Kind(f["kind"].GetStringValue()),
			Content: f["content"].GetStringValue(),
		})
	}
	return pc
}

// EncodeReply renders a reply as the wire payload.
func EncodeReply(r Reply) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"text":       r.Text,
		"elapsed_ms": float64(r.Elapsed.Milliseconds()),
	})
}

// DecodeReply reads the wire payload. A non-empty "error" field or blank
// text is a failed generation.
func DecodeReply(s *structpb.Struct) (Reply, error) {
	fields := s.GetFields()
	if msg := fields["error"].GetStringValue(); msg != "" {
		return Reply{}, fmt.Errorf("%w: %s", errGenerateResponse, msg)
	}
	text := fields["text"].GetStringValue()
	if strings.TrimSpace(text) == "" {
		return Reply{}, ErrEmptyReply
	}
	elapsed := time.Duration(fields["elapsed_ms"].GetNumberValue()) * time.Millisecond
	return Reply{Text: text, Elapsed: elapsed}, nil
}
