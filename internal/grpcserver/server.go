// Package grpcserver exposes the job queue over gRPC. Messages are
// google.protobuf.Struct so no generated code is needed.
package grpcserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"burstfuse/internal/pipeline"
	"burstfuse/internal/storage"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "burstfuse.v1.Jobs"

const maxMsgSize = 16 * 1024 * 1024

// JobsService is implemented by Server.
type JobsService interface {
	ListJobs(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchJobs(*structpb.Struct, grpc.ServerStream) error
}

// ServiceDesc describes JobsService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*JobsService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListJobs", Handler: unary("ListJobs", JobsService.ListJobs)},
		{MethodName: "GetJob", Handler: unary("GetJob", JobsService.GetJob)},
		{MethodName: "SubmitJob", Handler: unary("SubmitJob", JobsService.SubmitJob)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchJobs", Handler: watchHandler, ServerStreams: true},
	},
}

func unary(method string, call func(JobsService, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(JobsService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(JobsService), ctx, req.(*structpb.Struct))
		})
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(JobsService).WatchJobs(in, stream)
}

// Server implements JobsService on top of the pipeline and its store.
type Server struct {
	store    *storage.Store
	pipeline *pipeline.Pipeline
	log      *slog.Logger
	health   *health.Server
	grpc     *grpc.Server
	quit     chan struct{}
}

// New builds a server with the jobs and health services registered.
// Extra options (for example TLS from ServerTLS) are appended to the
// defaults.
func New(store *storage.Store, pipe *pipeline.Pipeline, log *slog.Logger, opts ...grpc.ServerOption) *Server {
	opts = append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	}, opts...)
	s := &Server{
		store:    store,
		pipeline: pipe,
		log:      log,
		health:   health.NewServer(),
		quit:     make(chan struct{}),
		grpc:     grpc.NewServer(opts...),
	}
	s.grpc.RegisterService(&ServiceDesc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// ServerTLS loads a certificate/key pair for the listener.
func ServerTLS(certFile, keyFile string) (grpc.ServerOption, error) {
	creds, err := credentials.NewServerTLSFromFile(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return grpc.Creds(creds), nil
}

// Serve accepts connections on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		close(s.quit)
		s.health.Shutdown()
		s.grpc.GracefulStop()
	}()
	s.log.Info("gRPC server starting", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Start listens on addr and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

// ListJobs returns {"jobs": [...]}, newest first. Request field "limit"
// defaults to 50.
func (s *Server) ListJobs(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit := int(req.GetFields()["limit"].GetNumberValue())
	if limit <= 0 {
		limit = 50
	}
	recs, err := s.store.RecentJobs(limit)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return toStruct(map[string]any{"jobs": recs})
}

// GetJob returns the job record, its last meta and per-frame alignments.
func (s *Server) GetJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := req.GetFields()["id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	rec, err := s.store.Job(id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, status.Errorf(codes.NotFound, "job %s not found", id)
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	meta, err := s.store.JobMeta(id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, status.Error(codes.Internal, err.Error())
	}
	frames, err := s.store.FrameAlignments(id)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return toStruct(map[string]any{"job": rec, "meta": meta, "frames": frames})
}

// SubmitJob queues {"type","input","output","options"} and returns {"id"}.
func (s *Server) SubmitJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.AsMap()
	typeName, _ := fields["type"].(string)
	if typeName == "" {
		typeName = string(pipeline.JobFuse)
	}
	jt, ok := pipeline.ParseJobType(typeName)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "unknown job type: %s", typeName)
	}
	job := pipeline.Job{ID: uuid.NewString(), Type: jt}
	job.InputPath, _ = fields["input"].(string)
	job.Output, _ = fields["output"].(string)
	job.Options, _ = fields["options"].(map[string]any)

	switch err := s.pipeline.Submit(job); {
	case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrStopped):
		return nil, status.Error(codes.Unavailable, err.Error())
	case err != nil:
		return nil, status.Error(codes.Internal, err.Error())
	}
	return toStruct(map[string]any{"id": job.ID})
}

// WatchJobs first sends {"status":"watching"} once subscribed, then one
// message per finished job. Request field "id" limits the stream to a
// single job and ends it after that job finishes.
func (s *Server) WatchJobs(req *structpb.Struct, stream grpc.ServerStream) error {
	only := req.GetFields()["id"].GetStringValue()
	ch, unsub := s.pipeline.Subscribe()
	defer unsub()
	ready, _ := structpb.NewStruct(map[string]any{"status": "watching"})
	if err := stream.SendMsg(ready); err != nil {
		return err
	}
	for {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case <-s.quit:
			return status.Error(codes.Unavailable, "server shutting down")
		case res, ok := <-ch:
			if !ok {
				return nil
			}
			if only != "" && res.Job.ID != only {
				continue
			}
			msg, err := toStruct(pipeline.NewEvent(res))
			if err != nil {
				return err
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
			if only != "" {
				return nil
			}
		}
	}
}

// toStruct round-trips v through JSON so structpb sees only plain values.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}
