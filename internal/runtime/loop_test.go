package runtime

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	configpkg "github.com/drblury/dispatchloop/internal/runtime/config"
	errspkg "github.com/drblury/dispatchloop/internal/runtime/errors"
)

func newTestLoop(t *testing.T, conf *configpkg.Config) *EventLoopCore {
	t.Helper()
	if conf == nil {
		conf = testConfig()
	}
	loop, err := NewEventLoop(conf, testLogger(), LoopDependencies{})
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}
	return loop
}

func startTestLoop(t *testing.T, conf *configpkg.Config) *EventLoopCore {
	t.Helper()
	loop := newTestLoop(t, conf)
	if err := loop.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		if loop.Status() == StatusRunning {
			loop.Stop()
		}
	})
	return loop
}

func TestNewEventLoopValidatesInputs(t *testing.T) {
	if _, err := NewEventLoop(nil, testLogger(), LoopDependencies{}); !errors.Is(err, errspkg.ErrConfigRequired) {
		t.Fatalf("expected ErrConfigRequired, got %v", err)
	}
	if _, err := NewEventLoop(testConfig(), nil, LoopDependencies{}); !errors.Is(err, errspkg.ErrLoggerRequired) {
		t.Fatalf("expected ErrLoggerRequired, got %v", err)
	}

	conf := testConfig()
	conf.WorkerPoolSize = -1
	if _, err := NewEventLoop(conf, testLogger(), LoopDependencies{}); err == nil {
		t.Fatalf("expected invalid config to be rejected")
	}
}

func TestLoopLifecycleTransitions(t *testing.T) {
	loop := newTestLoop(t, nil)
	if loop.Status() != StatusStopped {
		t.Fatalf("expected stopped before start, got %s", loop.Status())
	}
	if err := loop.Send(NewMessage("t", nil)); !errors.Is(err, errspkg.ErrLoopNotRunning) {
		t.Fatalf("expected ErrLoopNotRunning before start, got %v", err)
	}

	if err := loop.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if loop.Status() != StatusRunning {
		t.Fatalf("expected running, got %s", loop.Status())
	}
	if err := loop.Start(); !errors.Is(err, errspkg.ErrLoopAlreadyRunning) {
		t.Fatalf("expected ErrLoopAlreadyRunning, got %v", err)
	}

	if err := loop.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if loop.Status() != StatusStopped {
		t.Fatalf("expected stopped after stop, got %s", loop.Status())
	}
	if err := loop.Stop(); !errors.Is(err, errspkg.ErrLoopNotRunning) {
		t.Fatalf("expected ErrLoopNotRunning on second stop, got %v", err)
	}
}

func TestSendDispatchesToHandler(t *testing.T) {
	loop := startTestLoop(t, nil)

	var handledCount atomic.Int32
	err := loop.RegisterHandler(NewMessageHandler("greeter", []string{"greeting"}, func(ctx context.Context, msg *Message) error {
		handledCount.Add(1)
		return nil
	}))
	if err != nil {
		t.Fatalf("register handler: %v", err)
	}

	if err := loop.Send(NewMessage("greeting", map[string]any{"name": "ada"})); err != nil {
		t.Fatalf("send: %v", err)
	}

	if !waitFor(2*time.Second, func() bool { return handledCount.Load() == 1 }) {
		t.Fatalf("expected the handler to run")
	}
	if stats := loop.RouterStats(); stats.Processed != 1 {
		t.Fatalf("expected 1 processed message, got %+v", stats)
	}
}

func TestSendRejectsWhenIngressFull(t *testing.T) {
	conf := testConfig()
	conf.IngressQueueCapacity = 1
	loop := newTestLoop(t, conf)

	// Force the running state without starting the ingest loop, so the
	// queue never drains.
	loop.status.Store(int32(StatusRunning))

	if err := loop.Send(NewMessage("t", nil)); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := loop.Send(NewMessage("t", nil)); !errors.Is(err, errspkg.ErrIngressQueueFull) {
		t.Fatalf("expected ErrIngressQueueFull, got %v", err)
	}
}

func TestFailedMessageRetriesThenDeadLetters(t *testing.T) {
	conf := testConfig()
	loop := startTestLoop(t, conf)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deadLetters, err := loop.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("subscribe dead letters: %v", err)
	}

	var attempts atomic.Int32
	boom := errors.New("downstream unavailable")
	loop.RegisterHandler(NewMessageHandler("flaky", []string{"charge"}, func(ctx context.Context, msg *Message) error {
		attempts.Add(1)
		return boom
	}))

	msg := NewMessage("charge", "invoice-42", WithMaxRetries(1))
	if err := loop.Send(msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case wm := <-deadLetters:
		wm.Ack()
		envelope, err := DecodeDeadLetter(wm)
		if err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if envelope.MessageID != msg.ID || envelope.RetryCount != 1 {
			t.Fatalf("unexpected envelope: %+v", envelope)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("expected a dead-lettered message")
	}

	// Initial dispatch plus one retry.
	if attempts.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts.Load())
	}
}

func TestStopDrainsPendingMessages(t *testing.T) {
	loop := startTestLoop(t, nil)

	var handledCount atomic.Int32
	loop.RegisterHandler(NewMessageHandler("slowish", []string{"job"}, func(ctx context.Context, msg *Message) error {
		time.Sleep(5 * time.Millisecond)
		handledCount.Add(1)
		return nil
	}))

	const sent = 20
	for i := 0; i < sent; i++ {
		if err := loop.Send(NewMessage("job", i)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	if err := loop.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if handledCount.Load() != sent {
		t.Fatalf("expected all %d messages handled before stop returned, got %d", sent, handledCount.Load())
	}
}

func TestStopTimeoutAbandonsBlockedWork(t *testing.T) {
	loop := startTestLoop(t, nil)

	release := make(chan struct{})
	loop.RegisterHandler(NewMessageHandler("stuck", []string{"job"}, func(ctx context.Context, msg *Message) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return ctx.Err()
	}))

	if err := loop.Send(NewMessage("job", nil)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !waitFor(time.Second, func() bool { return len(loop.ingress) == 0 }) {
		t.Fatalf("expected message to enter dispatch")
	}

	err := loop.StopTimeout(10 * time.Millisecond)
	close(release)
	if !errors.Is(err, errspkg.ErrShutdownTimeout) {
		t.Fatalf("expected ErrShutdownTimeout, got %v", err)
	}
	if !strings.Contains(err.Error(), "1 messages abandoned") {
		t.Fatalf("expected the in-flight message counted as abandoned, got %v", err)
	}
	if loop.Status() != StatusError {
		t.Fatalf("expected error status after abandoned shutdown, got %s", loop.Status())
	}

	// The cancelled message must settle instead of circling back into a
	// queue nothing drains anymore.
	if !waitFor(time.Second, func() bool { return loop.pending.Load() == 0 }) {
		t.Fatalf("expected abandoned work to settle, %d still pending", loop.pending.Load())
	}
	if backlog := len(loop.ingress); backlog != 0 {
		t.Fatalf("expected no retry requeue after shutdown, backlog %d", backlog)
	}
}

func TestHandlerEnableDisableThroughLoop(t *testing.T) {
	loop := newTestLoop(t, nil)

	handler := NewMessageHandler("toggle", []string{"t"}, func(ctx context.Context, msg *Message) error { return nil })
	if err := loop.RegisterHandler(handler); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := loop.DisableHandler("toggle"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if handler.Enabled() {
		t.Fatalf("expected handler disabled")
	}
	if err := loop.EnableHandler("toggle"); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if !handler.Enabled() {
		t.Fatalf("expected handler enabled")
	}

	if err := loop.DisableHandler("missing"); !errors.Is(err, errspkg.ErrHandlerNotFound) {
		t.Fatalf("expected ErrHandlerNotFound, got %v", err)
	}
	if err := loop.UnregisterHandler("toggle"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
}

func TestHealthProbesDriveHealthiness(t *testing.T) {
	loop := newTestLoop(t, nil)

	var healthy atomic.Bool
	healthy.Store(true)
	probe := NewHealthProbe("upstream", func() bool { return healthy.Load() }, time.Millisecond, time.Second)
	if err := loop.AddHealthCheck(probe); err != nil {
		t.Fatalf("add probe: %v", err)
	}
	if err := loop.AddHealthCheck(probe); err == nil {
		t.Fatalf("expected duplicate probe name to be rejected")
	}

	if !loop.Healthy() {
		t.Fatalf("expected unrun probes to leave loop healthy")
	}

	loop.runHealthChecks(time.Now())
	if !loop.Healthy() {
		t.Fatalf("expected healthy probe result")
	}

	healthy.Store(false)
	loop.runHealthChecks(time.Now().Add(time.Second))
	if loop.Healthy() {
		t.Fatalf("expected failing probe to mark loop unhealthy")
	}

	probe.SetEnabled(false)
	if !loop.Healthy() {
		t.Fatalf("expected disabled probe to be ignored")
	}

	loop.RemoveHealthCheck("upstream")
	if len(loop.HealthProbes()) != 0 {
		t.Fatalf("expected probe removed")
	}
}

func TestProbeTimeoutCountsAsFailure(t *testing.T) {
	loop := newTestLoop(t, nil)
	probe := NewHealthProbe("hanging", func() bool {
		time.Sleep(200 * time.Millisecond)
		return true
	}, time.Millisecond, 10*time.Millisecond)
	loop.AddHealthCheck(probe)

	loop.runHealthChecks(time.Now())
	if _, ok := probe.LastResult(); ok {
		t.Fatalf("expected timed-out probe to count as failed")
	}
}

func TestSnapshotReflectsLoopState(t *testing.T) {
	loop := startTestLoop(t, nil)

	loop.RegisterHandler(NewMessageHandler("h", []string{"evt"}, func(ctx context.Context, msg *Message) error { return nil }))
	loop.Send(NewMessage("evt", nil))

	if !waitFor(2*time.Second, func() bool { return loop.RouterStats().Processed == 1 }) {
		t.Fatalf("expected message processed")
	}

	snapshot := loop.Snapshot()
	if snapshot.Status != "running" {
		t.Fatalf("expected running status, got %s", snapshot.Status)
	}
	if snapshot.Queued != 1 || snapshot.Processed != 1 || snapshot.HandlerCount != 1 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
	if snapshot.Resource.Goroutines == 0 {
		t.Fatalf("expected resource usage to be sampled")
	}
}

func TestHandlerErrorsReachObservers(t *testing.T) {
	conf := testConfig()
	var records atomic.Int32
	loop, err := NewEventLoop(conf, testLogger(), LoopDependencies{
		Observers: []ErrorObserver{func(record *ErrorRecord) { records.Add(1) }},
	})
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}
	if err := loop.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer loop.Stop()

	loop.RegisterHandler(NewMessageHandler("bad", []string{"evt"}, func(ctx context.Context, msg *Message) error {
		return errors.New("boom")
	}))
	loop.Send(NewMessage("evt", nil, WithMaxRetries(0)))

	if !waitFor(2*time.Second, func() bool { return records.Load() >= 1 }) {
		t.Fatalf("expected observer to see the failure")
	}
}
