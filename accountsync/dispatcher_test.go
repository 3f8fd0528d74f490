package accountsync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"golang.org/x/oauth2"

	"github.com/grana-app/banklink/instrumentation"
	"github.com/grana-app/banklink/internal/testutil"
)

func testToken() *oauth2.Token {
	return testutil.GenerateTestToken()
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sync job did not finish")
	}
}

func TestDispatchRunsJob(t *testing.T) {
	var gotUserID, gotCredentialsID atomic.Value
	syncer := SyncerFunc(func(_ context.Context, userID string, token *oauth2.Token, credentialsID string) (*Result, error) {
		gotUserID.Store(userID)
		gotCredentialsID.Store(credentialsID)
		if token == nil || token.AccessToken == "" {
			t.Error("token not passed through")
		}
		return &Result{AccountsCreated: 2, TransactionsSynced: 10}, nil
	})

	d := NewDispatcher(syncer, nil, nil)
	done := make(chan struct{})
	d.onDone = func(jobID string, res *Result, err error) {
		if err != nil {
			t.Errorf("job error = %v", err)
		}
		if res == nil || res.AccountsCreated != 2 {
			t.Errorf("job result = %+v", res)
		}
		close(done)
	}

	jobID, ok := d.Dispatch(Job{UserID: "user-123", Token: testToken(), CredentialsID: "cred-1"})
	if !ok {
		t.Fatal("Dispatch() ok = false")
	}
	if jobID == "" {
		t.Error("Dispatch() returned empty job ID")
	}

	waitDone(t, done)
	if gotUserID.Load() != "user-123" {
		t.Errorf("userID = %v, want user-123", gotUserID.Load())
	}
	if gotCredentialsID.Load() != "cred-1" {
		t.Errorf("credentialsID = %v, want cred-1", gotCredentialsID.Load())
	}
}

func TestDispatchSurvivesSyncerError(t *testing.T) {
	syncer := SyncerFunc(func(context.Context, string, *oauth2.Token, string) (*Result, error) {
		return nil, errors.New("provider unavailable")
	})

	d := NewDispatcher(syncer, nil, nil)
	done := make(chan struct{})
	d.onDone = func(_ string, _ *Result, err error) {
		if err == nil {
			t.Error("job error = nil, want syncer error")
		}
		close(done)
	}

	if _, ok := d.Dispatch(Job{UserID: "user-123", Token: testToken()}); !ok {
		t.Fatal("Dispatch() ok = false")
	}
	waitDone(t, done)
}

func TestDispatchSurvivesPanic(t *testing.T) {
	syncer := SyncerFunc(func(context.Context, string, *oauth2.Token, string) (*Result, error) {
		panic("boom")
	})

	d := NewDispatcher(syncer, nil, nil)
	if _, ok := d.Dispatch(Job{UserID: "user-123", Token: testToken()}); !ok {
		t.Fatal("Dispatch() ok = false")
	}

	// Close drains the job; a leaked panic would fail the test process.
	d.Close()
}

func TestCloseRejectsNewJobs(t *testing.T) {
	d := NewDispatcher(SyncerFunc(func(context.Context, string, *oauth2.Token, string) (*Result, error) {
		return &Result{}, nil
	}), nil, nil)

	d.Close()

	if _, ok := d.Dispatch(Job{UserID: "user-123", Token: testToken()}); ok {
		t.Error("Dispatch() after Close() ok = true, want false")
	}
}

func TestCloseDrainsInFlightJobs(t *testing.T) {
	release := make(chan struct{})
	var completed atomic.Bool
	d := NewDispatcher(SyncerFunc(func(context.Context, string, *oauth2.Token, string) (*Result, error) {
		<-release
		completed.Store(true)
		return &Result{}, nil
	}), nil, nil)

	if _, ok := d.Dispatch(Job{UserID: "user-123", Token: testToken()}); !ok {
		t.Fatal("Dispatch() ok = false")
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	d.Close()

	if !completed.Load() {
		t.Error("Close() returned before the in-flight job finished")
	}
}

// jobMetrics collects the sync job counters recorded against a manual
// reader.
func jobMetrics(t *testing.T, reader *sdkmetric.ManualReader) (started, completed int64) {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			switch m.Name {
			case "banklink.sync.jobs.started":
				started = total
			case "banklink.sync.jobs.completed":
				completed = total
			}
		}
	}
	return started, completed
}

func TestDispatchRecordsJobMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	if err := inst.SetProviders(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)), nil); err != nil {
		t.Fatalf("SetProviders() error = %v", err)
	}

	d := NewDispatcher(SyncerFunc(func(context.Context, string, *oauth2.Token, string) (*Result, error) {
		return &Result{AccountsCreated: 1}, nil
	}), nil, inst.Metrics())

	done := make(chan struct{})
	d.onDone = func(string, *Result, error) { close(done) }

	if _, ok := d.Dispatch(Job{UserID: "user-123", Token: testToken()}); !ok {
		t.Fatal("Dispatch() ok = false")
	}
	waitDone(t, done)

	started, completed := jobMetrics(t, reader)
	if started != 1 {
		t.Errorf("sync.jobs.started = %d, want 1", started)
	}
	if completed != 1 {
		t.Errorf("sync.jobs.completed = %d, want 1", completed)
	}
}
