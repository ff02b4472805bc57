// ============================================================================
// gRPC 服務 - transq.v1.JobService
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 將 Backend（通常是 Controller）的任務操作暴露為 gRPC 服務
//
// 訊息格式:
//   所有方法的請求與回應都是 google.protobuf.Struct，欄位名稱與 HTTP API
//   的 JSON 相同，因此不需要額外的 .proto 產生步驟：
//
//   Submit     {name, source_ref, languages{source,target}, priority, ...} → {id}
//   GetStatus  {id}                                                       → JobStatusView
//   Cancel     {id}                                                       → {cancelled}
//   ListJobs   {statuses[], limit}                                        → {jobs[]}
//   Cleanup    {older_than: "720h"} 或 {older_than_days: 30}              → {deleted}
//   GetResult  {id}                                                       → Document + {text}
//   Retry      {id}                                                       → {id}
//
// 錯誤對應:
//   scheduler.ErrInvalidSpec                  → InvalidArgument
//   jobstore.ErrJobNotFound                   → NotFound
//   ErrResultNotReady / ErrNotRetryable       → FailedPrecondition
//   jobstore.ErrDuplicateJob                  → AlreadyExists
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/transqueue/internal/aggregator"
	"github.com/ChuLiYu/transqueue/internal/jobstore"
	"github.com/ChuLiYu/transqueue/internal/scheduler"
	"github.com/ChuLiYu/transqueue/pkg/types"
)

// ServiceName gRPC 服務全名
const ServiceName = "transq.v1.JobService"

// Backend 服務所需的任務操作；*controller.Controller 與 *scheduler.Scheduler 皆滿足
type Backend interface {
	Submit(ctx context.Context, spec types.JobSpec) (types.JobID, error)
	GetStatus(ctx context.Context, id types.JobID) (types.JobStatusView, error)
	Cancel(ctx context.Context, id types.JobID) (bool, error)
	ListJobs(ctx context.Context, filter types.JobFilter) ([]types.JobSummary, error)
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
	GetResult(ctx context.Context, id types.JobID) (aggregator.Document, error)
	Retry(ctx context.Context, id types.JobID) (types.JobID, error)
}

// JobServiceServer ServiceDesc 的 HandlerType
type JobServiceServer interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListJobs(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cleanup(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetResult(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Retry(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// Server implements JobServiceServer on top of a Backend.
type Server struct {
	backend Backend
	logger  *slog.Logger
}

// NewServer creates a new gRPC service instance.
func NewServer(backend Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{backend: backend, logger: logger.With("component", "grpc")}
}

// NewGRPCServer 建立已註冊 JobService 的 grpc.Server
func NewGRPCServer(backend Backend, logger *slog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	srv := NewServer(backend, logger)
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(srv.logUnary)}, opts...)
	gs := grpc.NewServer(opts...)
	Register(gs, srv)
	return gs
}

// Register 將服務註冊到 grpc.Server
func Register(r grpc.ServiceRegistrar, srv JobServiceServer) {
	r.RegisterService(&ServiceDesc, srv)
}

// ============================================================================
// RPC 實作
// ============================================================================

type idRequest struct {
	ID types.JobID `json:"id"`
}

func decodeID(in *structpb.Struct) (types.JobID, error) {
	var req idRequest
	if err := fromStruct(in, &req); err != nil {
		return "", err
	}
	if req.ID == "" {
		return "", status.Error(codes.InvalidArgument, "id is required")
	}
	return req.ID, nil
}

// Submit handles the Submit RPC
func (s *Server) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var spec types.JobSpec
	if err := fromStruct(in, &spec); err != nil {
		return nil, err
	}
	id, err := s.backend.Submit(ctx, spec)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"id": id})
}

// GetStatus handles the GetStatus RPC
func (s *Server) GetStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := decodeID(in)
	if err != nil {
		return nil, err
	}
	view, err := s.backend.GetStatus(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(view)
}

// Cancel handles the Cancel RPC
func (s *Server) Cancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := decodeID(in)
	if err != nil {
		return nil, err
	}
	ok, err := s.backend.Cancel(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"id": id, "cancelled": ok})
}

// ListJobs handles the ListJobs RPC
func (s *Server) ListJobs(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var filter types.JobFilter
	if err := fromStruct(in, &filter); err != nil {
		return nil, err
	}
	for _, st := range filter.Statuses {
		if !st.Valid() {
			return nil, status.Errorf(codes.InvalidArgument, "unknown status %q", st)
		}
	}
	jobs, err := s.backend.ListJobs(ctx, filter)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"jobs": jobs})
}

type cleanupRequest struct {
	OlderThan     string  `json:"older_than"`
	OlderThanDays float64 `json:"older_than_days"`
}

// Cleanup handles the Cleanup RPC
func (s *Server) Cleanup(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req cleanupRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	age, err := scheduler.ParseAge(req.OlderThan, req.OlderThanDays)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	n, err := s.backend.Cleanup(ctx, age)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"deleted": n})
}

// GetResult handles the GetResult RPC
func (s *Server) GetResult(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := decodeID(in)
	if err != nil {
		return nil, err
	}
	doc, err := s.backend.GetResult(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(ResultView{Document: doc, Text: doc.Text()})
}

// Retry handles the Retry RPC
func (s *Server) Retry(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := decodeID(in)
	if err != nil {
		return nil, err
	}
	newID, err := s.backend.Retry(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"id": newID, "retry_of": id})
}

// ResultView GetResult 的回應：合併文件加上整份譯文
type ResultView struct {
	aggregator.Document
	Text string `json:"text"`
}

// ============================================================================
// 錯誤對應與攔截器
// ============================================================================

// toStatus 將領域錯誤轉為 gRPC status
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, scheduler.ErrInvalidSpec):
		code = codes.InvalidArgument
	case errors.Is(err, jobstore.ErrJobNotFound):
		code = codes.NotFound
	case errors.Is(err, scheduler.ErrResultNotReady), errors.Is(err, scheduler.ErrNotRetryable):
		code = codes.FailedPrecondition
	case errors.Is(err, jobstore.ErrDuplicateJob):
		code = codes.AlreadyExists
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	attrs := []any{"method", info.FullMethod, "code", code.String(), "duration", time.Since(start)}
	switch code {
	case codes.OK, codes.NotFound, codes.InvalidArgument, codes.FailedPrecondition, codes.AlreadyExists:
		s.logger.Debug("rpc handled", attrs...)
	default:
		s.logger.Error("rpc failed", append(attrs, "error", err)...)
	}
	return resp, err
}

// ============================================================================
// ServiceDesc
// ============================================================================

type unaryMethod func(JobServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryMethod) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(JobServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(JobServiceServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc transq.v1.JobService 的描述
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*JobServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", JobServiceServer.Submit),
		unary("GetStatus", JobServiceServer.GetStatus),
		unary("Cancel", JobServiceServer.Cancel),
		unary("ListJobs", JobServiceServer.ListJobs),
		unary("Cleanup", JobServiceServer.Cleanup),
		unary("GetResult", JobServiceServer.GetResult),
		unary("Retry", JobServiceServer.Retry),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "transq/v1/job_service.proto",
}
