package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/transqueue/internal/extract"
	"github.com/ChuLiYu/transqueue/internal/jobstore"
	"github.com/ChuLiYu/transqueue/internal/processor"
	"github.com/ChuLiYu/transqueue/internal/scheduler"
	"github.com/ChuLiYu/transqueue/internal/translator"
	"github.com/ChuLiYu/transqueue/pkg/types"
)

var _ Backend = (*Client)(nil)

type fixture struct {
	sched  *scheduler.Scheduler
	client *Client
	conn   *grpc.ClientConn
}

func newFixture(t *testing.T, tr translator.Translator) *fixture {
	t.Helper()
	store := jobstore.NewMemory()
	proc := processor.New(tr, processor.Config{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	sched := scheduler.New(store, extract.NewTextDecomposer(extract.Options{MaxBytes: 32}), proc, scheduler.DefaultConfig())

	lis := bufconn.Listen(1 << 20)
	gs := NewGRPCServer(sched, nil)
	go gs.Serve(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		gs.Stop()
		store.Close()
	})
	return &fixture{sched: sched, client: NewClient(conn), conn: conn}
}

func validSpec() types.JobSpec {
	return types.JobSpec{
		Name:      "guide",
		SourceRef: extract.InlinePrefix + "Alpha paragraph.\n\nBeta paragraph.",
		Languages: types.LanguagePair{Source: "en", Target: "es"},
		Priority:  types.PriorityHigh,
	}
}

func TestSubmitAndStatus(t *testing.T) {
	f := newFixture(t, translator.NewStub())
	ctx := context.Background()

	id, err := f.client.Submit(ctx, validSpec())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	view, err := f.client.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, view.Status)
	assert.Equal(t, "guide", view.Name)

	jobs, err := f.client.ListJobs(ctx, types.JobFilter{Statuses: []types.JobStatus{types.StatusPending}})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.PriorityHigh, jobs[0].Priority)
}

func TestSubmitInvalidSpec(t *testing.T) {
	f := newFixture(t, translator.NewStub())
	spec := validSpec()
	spec.Languages.Target = spec.Languages.Source

	_, err := f.client.Submit(context.Background(), spec)
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.ErrorIs(t, err, scheduler.ErrInvalidSpec)
}

func TestUnknownJob(t *testing.T) {
	f := newFixture(t, translator.NewStub())
	_, err := f.client.GetStatus(context.Background(), "missing")
	assert.Equal(t, codes.NotFound, status.Code(err))
	assert.ErrorIs(t, err, jobstore.ErrJobNotFound)
}

func TestResultLifecycle(t *testing.T) {
	f := newFixture(t, translator.NewStub())
	ctx := context.Background()

	id, err := f.client.Submit(ctx, validSpec())
	require.NoError(t, err)

	_, err = f.client.GetResult(ctx, id)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	assert.ErrorIs(t, err, scheduler.ErrResultNotReady)

	res, err := f.sched.Run(ctx, id)
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, res.Status)

	doc, err := f.client.GetResult(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, doc.JobID)
	assert.False(t, doc.Partial)
	assert.Contains(t, doc.Text(), "[es] Alpha paragraph.")

	_, err = f.client.Retry(ctx, id)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	assert.ErrorIs(t, err, scheduler.ErrNotRetryable)
}

func TestCancelRetryCleanup(t *testing.T) {
	f := newFixture(t, translator.NewStub())
	ctx := context.Background()

	id, err := f.client.Submit(ctx, validSpec())
	require.NoError(t, err)

	ok, err := f.client.Cancel(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.client.Cancel(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "second cancel is a no-op")

	retryID, err := f.client.Retry(ctx, id)
	require.NoError(t, err)
	assert.NotEqual(t, id, retryID)
	view, err := f.client.GetStatus(ctx, retryID)
	require.NoError(t, err)
	assert.Equal(t, id, view.RetryOf)
	assert.Equal(t, 1, view.RetryCount)

	n, err := f.client.Cleanup(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the cancelled job is terminal")
}

func TestRawStructRequests(t *testing.T) {
	f := newFixture(t, translator.NewStub())
	ctx := context.Background()

	in, err := structpb.NewStruct(map[string]any{
		"source_ref": extract.InlinePrefix + "hello",
		"languages":  map[string]any{"source": "en", "target": "ja"},
		"priority":   "critical",
	})
	require.NoError(t, err)
	out := new(structpb.Struct)
	require.NoError(t, f.conn.Invoke(ctx, "/transq.v1.JobService/Submit", in, out))
	id := types.JobID(out.Fields["id"].GetStringValue())
	require.NotEmpty(t, id)

	view, err := f.sched.GetStatus(ctx, id)
	require.NoError(t, err)
	jobs, err := f.sched.ListJobs(ctx, types.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.PriorityCritical, jobs[0].Priority)
	assert.Equal(t, types.StatusPending, view.Status)

	missingID, err := structpb.NewStruct(map[string]any{})
	require.NoError(t, err)
	err = f.conn.Invoke(ctx, "/transq.v1.JobService/GetStatus", missingID, new(structpb.Struct))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	badStatus, err := structpb.NewStruct(map[string]any{"statuses": []any{"sleeping"}})
	require.NoError(t, err)
	err = f.conn.Invoke(ctx, "/transq.v1.JobService/ListJobs", badStatus, new(structpb.Struct))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestToStatus(t *testing.T) {
	assert.NoError(t, toStatus(nil))
	assert.Equal(t, codes.Internal, status.Code(toStatus(errors.New("disk full"))))
	assert.Equal(t, codes.AlreadyExists, status.Code(toStatus(jobstore.ErrDuplicateJob)))
	assert.Equal(t, codes.DeadlineExceeded, status.Code(toStatus(context.DeadlineExceeded)))

	// RemoteError 保留原始 code
	remote := fromStatus(status.Error(codes.NotFound, "job not found"), nil)
	assert.Equal(t, codes.NotFound, status.Code(toStatus(remote)))
}
