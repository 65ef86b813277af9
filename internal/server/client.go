package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/genqueue/internal/controller"
	"github.com/ChuLiYu/genqueue/pkg/types"
)

// Client 控制平面的客戶端，CLI 子指令使用
type Client struct {
	cc    grpc.ClientConnInterface
	close func() error
}

// Dial 連線到 serve 行程的控制平面
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(MaxMessageSize)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{cc: conn, close: conn.Close}, nil
}

// NewClient 包裝既有連線；Close 不會關閉 cc
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc, close: func() error { return nil }}
}

// Close 關閉連線
func (c *Client) Close() error {
	return c.close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out proto.Message) error {
	return fromStatus(c.cc.Invoke(ctx, fullMethod(method), in, out))
}

// Submit 提交一批任務，回傳實際加入的任務
func (c *Client) Submit(ctx context.Context, specs []types.JobSpec) ([]*types.Job, error) {
	req, err := toStruct(map[string]any{"jobs": specs})
	if err != nil {
		return nil, err
	}
	resp := &structpb.Struct{}
	if err := c.invoke(ctx, "SubmitJobs", req, resp); err != nil {
		return nil, err
	}

	var out struct {
		Jobs []*types.Job `json:"jobs"`
	}
	if err := fromStruct(resp, &out); err != nil {
		return nil, fmt.Errorf("decode submit response: %w", err)
	}
	return out.Jobs, nil
}

// Start 開始分派
func (c *Client) Start(ctx context.Context) error {
	return c.invoke(ctx, "Start", &emptypb.Empty{}, &emptypb.Empty{})
}

// Stop 停止分派
func (c *Client) Stop(ctx context.Context) error {
	return c.invoke(ctx, "Stop", &emptypb.Empty{}, &emptypb.Empty{})
}

// Status 查詢分派狀態
func (c *Client) Status(ctx context.Context) (controller.StatusReport, error) {
	var report controller.StatusReport
	resp := &structpb.Struct{}
	if err := c.invoke(ctx, "GetStatus", &emptypb.Empty{}, resp); err != nil {
		return report, err
	}
	if err := fromStruct(resp, &report); err != nil {
		return report, fmt.Errorf("decode status: %w", err)
	}
	return report, nil
}

// JobDir 任務的輸出目錄；index 不存在時為輸出根目錄
func (c *Client) JobDir(ctx context.Context, index int) (string, error) {
	resp := &wrapperspb.StringValue{}
	if err := c.invoke(ctx, "JobDir", wrapperspb.Int64(int64(index)), resp); err != nil {
		return "", err
	}
	return resp.GetValue(), nil
}
