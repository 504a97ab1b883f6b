package grpcserver

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a remote JobsService.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr without TLS.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	return dial(addr, insecure.NewCredentials(), opts...)
}

// DialTLS connects to addr trusting the CA bundle in caFile.
func DialTLS(addr, caFile string, opts ...grpc.DialOption) (*Client, error) {
	creds, err := credentials.NewClientTLSFromFile(caFile, "")
	if err != nil {
		return nil, fmt.Errorf("load CA %s: %w", caFile, err)
	}
	return dial(addr, creds, opts...)
}

func dial(addr string, creds credentials.TransportCredentials, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMsgSize),
			grpc.MaxCallSendMsgSize(maxMsgSize),
		),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) call(ctx context.Context, method string, in map[string]any) (map[string]any, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Healthy reports whether the jobs service answers SERVING.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// ListJobs returns up to limit job records as decoded JSON objects.
func (c *Client) ListJobs(ctx context.Context, limit int) ([]any, error) {
	out, err := c.call(ctx, "ListJobs", map[string]any{"limit": limit})
	if err != nil {
		return nil, err
	}
	jobs, _ := out["jobs"].([]any)
	return jobs, nil
}

// GetJob returns {"job","meta","frames"} for id.
func (c *Client) GetJob(ctx context.Context, id string) (map[string]any, error) {
	return c.call(ctx, "GetJob", map[string]any{"id": id})
}

// SubmitJob queues a job and returns its id.
func (c *Client) SubmitJob(ctx context.Context, jobType, input, output string, options map[string]any) (string, error) {
	in := map[string]any{"type": jobType, "input": input, "output": output}
	if options != nil {
		in["options"] = options
	}
	out, err := c.call(ctx, "SubmitJob", in)
	if err != nil {
		return "", err
	}
	id, _ := out["id"].(string)
	if id == "" {
		return "", fmt.Errorf("server returned no job id")
	}
	return id, nil
}

// SubmitAndWait queues a job and blocks until it finishes, returning the
// finished job event. The watch stream is opened before submitting so the
// result cannot be missed.
func (c *Client) SubmitAndWait(ctx context.Context, jobType, input, output string, options map[string]any) (map[string]any, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	desc := &ServiceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, "/"+ServiceName+"/"+desc.StreamName)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&structpb.Struct{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	ready := new(structpb.Struct)
	if err := stream.RecvMsg(ready); err != nil {
		return nil, err
	}

	id, err := c.SubmitJob(ctx, jobType, input, output, options)
	if err != nil {
		return nil, err
	}
	for {
		ev := new(structpb.Struct)
		if err := stream.RecvMsg(ev); err != nil {
			return nil, err
		}
		if ev.GetFields()["id"].GetStringValue() == id {
			return ev.AsMap(), nil
		}
	}
}
