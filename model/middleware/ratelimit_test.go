package middleware

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/maestro/model"
)

type fakeClient struct {
	completeErr   error
	streamErr     error
	completeCalls int
	streamCalls   int
}

func (f *fakeClient) Complete(context.Context, model.Request) (model.Response, error) {
	f.completeCalls++
	return model.Response{}, f.completeErr
}

func (f *fakeClient) Stream(context.Context, model.Request) (model.Streamer, error) {
	f.streamCalls++
	return nil, f.streamErr
}

func req(content string) model.Request {
	return model.Request{Messages: []*model.Message{{Role: model.RoleUser, Content: content}}}
}

func TestBackoffOnRateLimited(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(60000, 60000)
	client := &fakeClient{completeErr: model.ErrRateLimited}
	wrapped := limiter.Middleware()(client)

	_, err := wrapped.Complete(context.Background(), req("hello"))
	require.ErrorIs(t, err, model.ErrRateLimited)
	require.Equal(t, 30000.0, limiter.CurrentTPM(), "budget halves on a rate-limited error")

	_, _ = wrapped.Complete(context.Background(), req("hello"))
	require.Equal(t, 15000.0, limiter.CurrentTPM())
}

func TestBackoffFloorsAtMin(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(1000, 1000)
	client := &fakeClient{completeErr: model.ErrRateLimited}
	wrapped := limiter.Middleware()(client)

	for i := 0; i < 10; i++ {
		_, _ = wrapped.Complete(context.Background(), req("x"))
	}
	require.Equal(t, 100.0, limiter.CurrentTPM(), "floor is 10%% of the initial budget")
}

func TestRecoveryOnSuccess(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(60000, 60000)
	client := &fakeClient{completeErr: model.ErrRateLimited}
	wrapped := limiter.Middleware()(client)

	_, _ = wrapped.Complete(context.Background(), req("x"))
	require.Equal(t, 30000.0, limiter.CurrentTPM())

	client.completeErr = nil
	_, err := wrapped.Complete(context.Background(), req("x"))
	require.NoError(t, err)
	require.Equal(t, 33000.0, limiter.CurrentTPM(), "recovery adds 5%% of the initial budget")
}

func TestRecoveryCapsAtMax(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(60000, 60000)
	client := &fakeClient{}
	wrapped := limiter.Middleware()(client)

	_, err := wrapped.Complete(context.Background(), req("x"))
	require.NoError(t, err)
	require.Equal(t, 60000.0, limiter.CurrentTPM(), "already at max")
}

func TestNonRateLimitErrorLeavesBudget(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(60000, 60000)
	client := &fakeClient{completeErr: context.DeadlineExceeded}
	wrapped := limiter.Middleware()(client)

	_, err := wrapped.Complete(context.Background(), req("x"))
	require.Error(t, err)
	require.Equal(t, 60000.0, limiter.CurrentTPM())
}

func TestStreamUnsupportedDoesNotAdjust(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(60000, 60000)
	// ErrStreamingUnsupported is a capability signal, not an outcome.
	client := &fakeClient{streamErr: model.ErrStreamingUnsupported}
	wrapped := limiter.Middleware()(client)

	_, err := wrapped.Stream(context.Background(), req("x"))
	require.ErrorIs(t, err, model.ErrStreamingUnsupported)
	require.Equal(t, 60000.0, limiter.CurrentTPM())
	require.Equal(t, 1, client.streamCalls)
}

func TestDefaults(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(0, 0)
	require.Equal(t, 60000.0, limiter.CurrentTPM())

	limiter = NewAdaptiveRateLimiter(5000, 100)
	require.Equal(t, 5000.0, limiter.CurrentTPM(), "max below initial clamps to initial")
}

func TestEstimateTokens(t *testing.T) {
	require.Equal(t, 500, estimateTokens(model.Request{}))

	r := model.Request{
		System:   "123",
		Messages: []*model.Message{{Content: "456"}, nil},
	}
	require.Equal(t, 2+500, estimateTokens(r))
}
