package server

import (
	"context"
	"encoding/json"
	"fmt"
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

// Client JobService 的 gRPC 客戶端，實作 Backend
//
// 伺服器回傳的 status 會轉回對應的領域錯誤，呼叫方可以用 errors.Is 判斷。
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient 以既有連線建立客戶端
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) call(ctx context.Context, method string, req any, resp any, precondition error) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return fromStatus(err, precondition)
	}
	if resp == nil {
		return nil
	}
	raw, err := json.Marshal(out.AsMap())
	if err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if err := json.Unmarshal(raw, resp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

// Submit 提交任務
func (c *Client) Submit(ctx context.Context, spec types.JobSpec) (types.JobID, error) {
	var resp idRequest
	if err := c.call(ctx, "Submit", spec, &resp, nil); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// GetStatus 查詢任務狀態
func (c *Client) GetStatus(ctx context.Context, id types.JobID) (types.JobStatusView, error) {
	var view types.JobStatusView
	err := c.call(ctx, "GetStatus", idRequest{ID: id}, &view, nil)
	return view, err
}

// Cancel 取消任務
func (c *Client) Cancel(ctx context.Context, id types.JobID) (bool, error) {
	var resp struct {
		Cancelled bool `json:"cancelled"`
	}
	err := c.call(ctx, "Cancel", idRequest{ID: id}, &resp, nil)
	return resp.Cancelled, err
}

// ListJobs 列出任務
func (c *Client) ListJobs(ctx context.Context, filter types.JobFilter) ([]types.JobSummary, error) {
	var resp struct {
		Jobs []types.JobSummary `json:"jobs"`
	}
	err := c.call(ctx, "ListJobs", filter, &resp, nil)
	return resp.Jobs, err
}

// Cleanup 刪除終止超過 olderThan 的任務
func (c *Client) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	var resp struct {
		Deleted int `json:"deleted"`
	}
	err := c.call(ctx, "Cleanup", cleanupRequest{OlderThan: olderThan.String()}, &resp, nil)
	return resp.Deleted, err
}

// GetResult 取得合併後的文件
func (c *Client) GetResult(ctx context.Context, id types.JobID) (aggregator.Document, error) {
	var view ResultView
	err := c.call(ctx, "GetResult", idRequest{ID: id}, &view, scheduler.ErrResultNotReady)
	return view.Document, err
}

// Retry 重試失敗或取消的任務
func (c *Client) Retry(ctx context.Context, id types.JobID) (types.JobID, error) {
	var resp idRequest
	if err := c.call(ctx, "Retry", idRequest{ID: id}, &resp, scheduler.ErrNotRetryable); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// ============================================================================
// 遠端錯誤
// ============================================================================

// RemoteError 保留 gRPC code 與訊息，並 Unwrap 到對應的領域錯誤
type RemoteError struct {
	Code    codes.Code
	Message string
	target  error
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Unwrap() error { return e.target }

// GRPCStatus 讓 status.FromError 能還原原始 code
func (e *RemoteError) GRPCStatus() *status.Status { return status.New(e.Code, e.Message) }

func fromStatus(err error, precondition error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	re := &RemoteError{Code: st.Code(), Message: st.Message()}
	switch st.Code() {
	case codes.InvalidArgument:
		re.target = scheduler.ErrInvalidSpec
	case codes.NotFound:
		re.target = jobstore.ErrJobNotFound
	case codes.FailedPrecondition:
		re.target = precondition
	case codes.AlreadyExists:
		re.target = jobstore.ErrDuplicateJob
	case codes.Canceled:
		re.target = context.Canceled
	case codes.DeadlineExceeded:
		re.target = context.DeadlineExceeded
	}
	return re
}
