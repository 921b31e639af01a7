package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/radiusdt/vector-autopilot/internal/adapi"
	"github.com/radiusdt/vector-autopilot/internal/quota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeClient returns scripted outcomes per call in order, repeating the last
// one when the script runs out.
type fakeClient struct {
	mu      sync.Mutex
	script  []error
	calls   int
	quota   *adapi.QuotaUsage
	blockCh chan struct{}

	batchScript func(call int, reqs []*adapi.Request) []*adapi.BatchItem
	batchCalls  int
}

func (f *fakeClient) nextErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if len(f.script) > 0 {
		if f.calls < len(f.script) {
			err = f.script[f.calls]
		} else {
			err = f.script[len(f.script)-1]
		}
	}
	f.calls++
	return err
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeClient) Do(ctx context.Context, req *adapi.Request) (*adapi.Response, error) {
	if f.blockCh != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.blockCh:
		}
	}
	if err := f.nextErr(); err != nil {
		return nil, err
	}
	return &adapi.Response{StatusCode: 200, Body: json.RawMessage(`{}`), Quota: f.quota}, nil
}

func (f *fakeClient) DoBatch(ctx context.Context, reqs []*adapi.Request) ([]*adapi.BatchItem, *adapi.QuotaUsage, error) {
	f.mu.Lock()
	call := f.batchCalls
	f.batchCalls++
	script := f.batchScript
	f.mu.Unlock()
	if script == nil {
		items := make([]*adapi.BatchItem, 0, len(reqs))
		for _, r := range reqs {
			items = append(items, &adapi.BatchItem{ID: r.ID, Response: &adapi.Response{StatusCode: 200}})
		}
		return items, f.quota, nil
	}
	return script(call, reqs), f.quota, nil
}

func newTestDispatcher(t *testing.T, client adapi.Client, cfg Config) *Dispatcher {
	t.Helper()
	tracker := quota.NewTracker(quota.NewMemoryStore(), quota.Config{
		CallBudget:        200,
		SafetyCeilingPct:  95,
		WaitStartPct:      80,
		MaxWait:           time.Second,
		ResetHorizonWait:  time.Second,
		Window:            time.Hour,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 2,
		BackoffMax:        10 * time.Millisecond,
	})
	return NewDispatcher(client, tracker, NewRegistry(), cfg, zaptest.NewLogger(t), nil)
}

func testRequest(id string) *adapi.Request {
	return &adapi.Request{ID: id, Method: "POST", Path: "/ad1", UserID: "u1", AccountID: "acc1"}
}

func TestDispatchSuccess(t *testing.T) {
	client := &fakeClient{quota: &adapi.QuotaUsage{UsagePct: 12}}
	d := newTestDispatcher(t, client, Config{MaxAttempts: 3})

	resp, err := d.Dispatch(context.Background(), testRequest("r1"))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	st := d.Tracker().Snapshot(quota.Key{UserID: "u1", AccountID: "acc1"})
	assert.InDelta(t, 12, st.UsagePct, 1e-9, "response quota signal recorded")
}

func TestDispatchRetriesRateLimited(t *testing.T) {
	client := &fakeClient{script: []error{
		&adapi.APIError{Kind: adapi.KindRateLimited, Code: adapi.CodeRateLimitApp},
		&adapi.APIError{Kind: adapi.KindRateLimited, Code: adapi.CodeRateLimitApp},
		nil,
	}}
	d := newTestDispatcher(t, client, Config{MaxAttempts: 3})

	_, err := d.Dispatch(context.Background(), testRequest("r1"))
	require.NoError(t, err)
	assert.Equal(t, 3, client.callCount())

	st := d.Tracker().Snapshot(quota.Key{UserID: "u1", AccountID: "acc1"})
	assert.Equal(t, 0, st.Retries, "success resets the backoff counter")
}

func TestDispatchRateLimitedExhausted(t *testing.T) {
	client := &fakeClient{script: []error{
		&adapi.APIError{Kind: adapi.KindRateLimited, Code: adapi.CodeRateLimitApp},
	}}
	d := newTestDispatcher(t, client, Config{MaxAttempts: 3})

	_, err := d.Dispatch(context.Background(), testRequest("r1"))
	require.Error(t, err)
	assert.Equal(t, adapi.KindRateLimited, adapi.KindOf(err))
	assert.Equal(t, 3, client.callCount(), "bounded attempts")
}

func TestDispatchTerminalKindsNotRetried(t *testing.T) {
	for _, kind := range []adapi.ErrorKind{
		adapi.KindPermissionDenied,
		adapi.KindCredentialExpired,
		adapi.KindClientError,
	} {
		t.Run(string(kind), func(t *testing.T) {
			client := &fakeClient{script: []error{&adapi.APIError{Kind: kind}}}
			d := newTestDispatcher(t, client, Config{MaxAttempts: 3})

			_, err := d.Dispatch(context.Background(), testRequest("r1"))
			require.Error(t, err)
			assert.Equal(t, kind, adapi.KindOf(err))
			assert.Equal(t, 1, client.callCount(), "terminal kinds fail on the first attempt")
		})
	}
}

func TestDispatchServerErrorRetried(t *testing.T) {
	client := &fakeClient{script: []error{
		&adapi.APIError{Kind: adapi.KindServerError, HTTPStatus: 500},
		nil,
	}}
	d := newTestDispatcher(t, client, Config{
		MaxAttempts:     3,
		ServerErrorBase: time.Millisecond,
		ServerErrorMax:  5 * time.Millisecond,
	})

	_, err := d.Dispatch(context.Background(), testRequest("r1"))
	require.NoError(t, err)
	assert.Equal(t, 2, client.callCount())

	st := d.Tracker().Snapshot(quota.Key{UserID: "u1", AccountID: "acc1"})
	assert.Equal(t, 0, st.Retries, "server errors never touch the rate-limit counter")
}

func TestDispatchCancelledMidFlight(t *testing.T) {
	client := &fakeClient{blockCh: make(chan struct{})}
	d := newTestDispatcher(t, client, Config{MaxAttempts: 3})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(ctx, testRequest("r1"))
		errCh <- err
	}()

	// Let the dispatch reach the blocked call, then cancel.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Equal(t, adapi.KindCancelled, adapi.KindOf(err))
		assert.Equal(t, 0, client.callCount(), "no retries after cancellation")
	case <-time.After(time.Second):
		t.Fatal("dispatch did not return after cancellation")
	}
}

func TestAbortUserCancelsInFlight(t *testing.T) {
	client := &fakeClient{blockCh: make(chan struct{})}
	d := newTestDispatcher(t, client, Config{MaxAttempts: 3})

	errCh := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(context.Background(), testRequest("r1"))
		errCh <- err
	}()

	var aborted int
	require.Eventually(t, func() bool {
		aborted = d.Registry().AbortUser("u1")
		return aborted > 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, aborted)

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Equal(t, adapi.KindCancelled, adapi.KindOf(err))
	case <-time.After(time.Second):
		t.Fatal("dispatch did not fail fast on abort")
	}
	assert.Equal(t, 0, d.Registry().InFlight("u1"))
}

func TestDispatchBatchChunksAndKeysResults(t *testing.T) {
	client := &fakeClient{}
	d := newTestDispatcher(t, client, Config{MaxAttempts: 3, BatchSize: 2})

	reqs := make([]*adapi.Request, 0, 5)
	for i := 0; i < 5; i++ {
		reqs = append(reqs, testRequest(fmt.Sprintf("r%d", i)))
	}

	result, err := d.DispatchBatch(context.Background(), reqs)
	require.NoError(t, err)
	assert.Len(t, result.Items, 5)
	assert.Len(t, result.Succeeded(), 5)
	assert.Equal(t, 3, client.batchCalls, "5 requests in chunks of 2")

	st := d.Tracker().Snapshot(quota.Key{UserID: "u1", AccountID: "acc1"})
	assert.Equal(t, 3, st.CallCount, "one quota charge per chunk, not per item")
}

func TestDispatchBatchRetriesRateLimitedItemsOnce(t *testing.T) {
	client := &fakeClient{}
	client.batchScript = func(call int, reqs []*adapi.Request) []*adapi.BatchItem {
		items := make([]*adapi.BatchItem, 0, len(reqs))
		for _, r := range reqs {
			if call == 0 && r.ID == "r1" {
				items = append(items, &adapi.BatchItem{
					ID:  r.ID,
					Err: &adapi.APIError{Kind: adapi.KindRateLimited, Code: adapi.CodeRateLimitAccount},
				})
				continue
			}
			items = append(items, &adapi.BatchItem{ID: r.ID, Response: &adapi.Response{StatusCode: 200}})
		}
		return items
	}
	d := newTestDispatcher(t, client, Config{MaxAttempts: 3, BatchSize: 10})

	result, err := d.DispatchBatch(context.Background(), []*adapi.Request{
		testRequest("r0"), testRequest("r1"), testRequest("r2"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, client.batchCalls, "one retry pass for the rate-limited item")
	assert.Len(t, result.Succeeded(), 3)
	require.Contains(t, result.Items, "r1")
	assert.NoError(t, result.Items["r1"].Err)
}

func TestDispatchBatchPermanentItemFailureKept(t *testing.T) {
	client := &fakeClient{}
	client.batchScript = func(call int, reqs []*adapi.Request) []*adapi.BatchItem {
		items := make([]*adapi.BatchItem, 0, len(reqs))
		for _, r := range reqs {
			if r.ID == "bad" {
				items = append(items, &adapi.BatchItem{
					ID:  r.ID,
					Err: &adapi.APIError{Kind: adapi.KindPermissionDenied, Code: adapi.CodePermissionDenied},
				})
				continue
			}
			items = append(items, &adapi.BatchItem{ID: r.ID, Response: &adapi.Response{StatusCode: 200}})
		}
		return items
	}
	d := newTestDispatcher(t, client, Config{MaxAttempts: 3, BatchSize: 10})

	bad := testRequest("bad")
	result, err := d.DispatchBatch(context.Background(), []*adapi.Request{testRequest("ok"), bad})
	require.NoError(t, err)
	assert.Equal(t, 1, client.batchCalls, "permanent failures are not retried")
	assert.Len(t, result.Succeeded(), 1)
	require.Contains(t, result.Items, "bad")
	assert.Error(t, result.Items["bad"].Err)
}

func TestRetryCallRechecksContextBeforeSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	op := func(context.Context) (int, error) {
		attempts++
		cancel()
		return 0, fmt.Errorf("transient")
	}
	policy := func(err error, attempt int) (time.Duration, bool) {
		return time.Hour, true
	}

	start := time.Now()
	_, err := retryCall(ctx, 5, op, policy)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Less(t, time.Since(start), time.Second, "cancellation wins over the retry sleep")
}
