// ============================================================================
// genqueue Control Server - gRPC 控制平面
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 讓 CLI 在 serve 行程之外提交任務、啟停分派、查詢狀態
//
// 服務定義 (genqueue.v1.Control):
//   SubmitJobs (Struct{jobs: [JobSpec]})  → Struct{jobs: [Job]}
//   Start      (Empty)                    → Empty
//   Stop       (Empty)                    → Empty
//   GetStatus  (Empty)                    → Struct(StatusReport)
//   JobDir     (Int64Value)               → StringValue
//
// 訊息使用 protobuf 的 well-known types，內容經 protojson 與 JSON tag 互轉，
// 不需要產生程式碼。
//
// 錯誤對應:
//   ErrNoWorkers / ErrNoJobs → FailedPrecondition
//   ErrStopped               → Unavailable
//   context 取消/超時         → Canceled / DeadlineExceeded
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/genqueue/internal/controller"
	"github.com/ChuLiYu/genqueue/pkg/types"
)

// ServiceName gRPC 服務全名
const ServiceName = "genqueue.v1.Control"

// MaxMessageSize 狀態回應可能帶有已編碼的參考圖
const MaxMessageSize = 64 << 20

// Controller 控制平面需要的分派器操作
type Controller interface {
	SubmitBatch(ctx context.Context, specs []types.JobSpec) ([]*types.Job, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status(ctx context.Context) (controller.StatusReport, error)
	JobDir(ctx context.Context, index int) (string, error)
}

// ControlServer gRPC 服務介面
type ControlServer interface {
	SubmitJobs(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Start(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Stop(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	JobDir(context.Context, *wrapperspb.Int64Value) (*wrapperspb.StringValue, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitJobs", func() *structpb.Struct { return new(structpb.Struct) }, ControlServer.SubmitJobs),
		unary("Start", func() *emptypb.Empty { return new(emptypb.Empty) }, ControlServer.Start),
		unary("Stop", func() *emptypb.Empty { return new(emptypb.Empty) }, ControlServer.Stop),
		unary("GetStatus", func() *emptypb.Empty { return new(emptypb.Empty) }, ControlServer.GetStatus),
		unary("JobDir", func() *wrapperspb.Int64Value { return new(wrapperspb.Int64Value) }, ControlServer.JobDir),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "genqueue/v1/control",
}

// unary 建立一個 unary 方法的 handler，等同 protoc-gen-go-grpc 產生的樣板
func unary[Req, Resp proto.Message](name string, newReq func() Req, call func(ControlServer, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod(name),
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// ============================================================================
// Server
// ============================================================================

// Server ControlServer 的實作，轉交給 Controller
type Server struct {
	ctrl   Controller
	logger *slog.Logger
}

// Option Server 設定
type Option func(*Server)

// WithLogger 設定日誌輸出
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer 建立控制平面服務
func NewServer(ctrl Controller, opts ...Option) *Server {
	s := &Server{
		ctrl:   ctrl,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register 將服務註冊到 gRPC server
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
}

// Serve 在 lis 上提供服務，直到 ctx 取消
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	g := grpc.NewServer(
		grpc.ChainUnaryInterceptor(s.logCalls),
		grpc.MaxSendMsgSize(MaxMessageSize),
	)
	s.Register(g)

	stop := context.AfterFunc(ctx, g.GracefulStop)
	defer stop()

	s.logger.Info("Control server listening", "addr", lis.Addr().String())
	if err := g.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("control server: %w", err)
	}
	return nil
}

// ListenAndServe 監聽 addr 並提供服務
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// logCalls 記錄每次呼叫的方法、耗時與結果
func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	if code == codes.OK || code == codes.FailedPrecondition {
		s.logger.Debug("Control call", "method", info.FullMethod, "code", code.String(), "duration", time.Since(start))
	} else {
		s.logger.Warn("Control call failed", "method", info.FullMethod, "code", code.String(), "error", err)
	}
	return resp, err
}

// ============================================================================
// RPC 實作
// ============================================================================

// SubmitJobs 加入一批任務
func (s *Server) SubmitJobs(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in struct {
		Jobs []types.JobSpec `json:"jobs"`
	}
	if err := fromStruct(req, &in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid job list: %v", err)
	}
	if len(in.Jobs) == 0 {
		return nil, status.Error(codes.InvalidArgument, "no jobs in request")
	}

	added, err := s.ctrl.SubmitBatch(ctx, in.Jobs)
	if err != nil {
		return nil, toStatus(err)
	}
	if added == nil {
		added = []*types.Job{}
	}
	return toStruct(map[string]any{"jobs": added})
}

// Start 開始分派
func (s *Server) Start(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.ctrl.Start(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Stop 停止分派
func (s *Server) Stop(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.ctrl.Stop(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// GetStatus 目前的分派狀態
func (s *Server) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	report, err := s.ctrl.Status(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(report)
}

// JobDir 任務（或整體）的輸出目錄
func (s *Server) JobDir(ctx context.Context, req *wrapperspb.Int64Value) (*wrapperspb.StringValue, error) {
	dir, err := s.ctrl.JobDir(ctx, int(req.GetValue()))
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.String(dir), nil
}

// ============================================================================
// 轉換工具
// ============================================================================

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// preconditions 在 client 端還原為原本的哨兵錯誤
var preconditions = []error{controller.ErrNoWorkers, controller.ErrNoJobs}

func toStatus(err error) error {
	switch {
	case errors.Is(err, controller.ErrNoWorkers), errors.Is(err, controller.ErrNoJobs):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, controller.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.FailedPrecondition:
		for _, sentinel := range preconditions {
			if st.Message() == sentinel.Error() {
				return sentinel
			}
		}
	case codes.Unavailable:
		if st.Message() == controller.ErrStopped.Error() {
			return controller.ErrStopped
		}
	}
	return err
}
