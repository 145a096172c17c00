package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestMergeChainsHooksInOrder(t *testing.T) {
	var order []string
	first := DispatchHooks{
		OnDispatchStart: func(ctx DispatchContext) { order = append(order, "first.start") },
		OnDispatchError: func(ctx DispatchContext, err error) { order = append(order, "first.error") },
	}
	second := DispatchHooks{
		OnDispatchStart: func(ctx DispatchContext) { order = append(order, "second.start") },
		OnDispatchDone:  func(ctx DispatchContext) { order = append(order, "second.done") },
	}

	merged := first.Merge(second)
	merged.start(DispatchContext{})
	merged.finish(DispatchContext{}, errors.New("boom"))
	merged.finish(DispatchContext{}, nil)

	want := []string{"first.start", "second.start", "first.error", "second.done"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestMergeWithEmptyHooksKeepsOriginals(t *testing.T) {
	var called bool
	hooks := DispatchHooks{
		OnDispatchDone: func(ctx DispatchContext) { called = true },
	}

	merged := hooks.Merge(DispatchHooks{})
	merged.finish(DispatchContext{}, nil)
	if !called {
		t.Fatalf("expected the original hook to survive the merge")
	}

	// Zero hooks never panic.
	var empty DispatchHooks
	empty.start(DispatchContext{})
	empty.finish(DispatchContext{}, nil)
	empty.finish(DispatchContext{}, errors.New("boom"))
}

func TestRouterInvokesHooksAroundHandlers(t *testing.T) {
	var mu sync.Mutex
	var events []string
	hooks := DispatchHooks{
		OnDispatchStart: func(ctx DispatchContext) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, "start:"+ctx.HandlerID)
		},
		OnDispatchDone: func(ctx DispatchContext) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, "done:"+ctx.HandlerID)
		},
		OnDispatchError: func(ctx DispatchContext, err error) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, "error:"+ctx.HandlerID)
		},
	}

	router := newTestRouter(testConfig(), hooks)
	router.AddHandler(NewMessageHandler("ok", []string{"evt"}, func(ctx context.Context, msg *Message) error { return nil }))
	router.AddHandler(NewMessageHandler("bad", []string{"oops"}, func(ctx context.Context, msg *Message) error {
		return errors.New("boom")
	}))

	router.Dispatch(context.Background(), NewMessage("evt", nil))
	router.Dispatch(context.Background(), NewMessage("oops", nil))

	mu.Lock()
	defer mu.Unlock()
	want := []string{"start:ok", "done:ok", "start:bad", "error:bad"}
	if len(events) != len(want) {
		t.Fatalf("expected %v, got %v", want, events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, events)
		}
	}
}

func TestMetricsHooksForwardCounts(t *testing.T) {
	var starts, dones, errs int
	hooks := MetricsHooks(
		func(handlerID, messageType string) { starts++ },
		func(handlerID, messageType string) { dones++ },
		func(handlerID, messageType string) { errs++ },
	)

	ctx := DispatchContext{HandlerID: "h", MessageType: "t"}
	hooks.start(ctx)
	hooks.finish(ctx, nil)
	hooks.finish(ctx, errors.New("boom"))

	if starts != 1 || dones != 1 || errs != 1 {
		t.Fatalf("expected 1/1/1, got %d/%d/%d", starts, dones, errs)
	}
}

func TestAlertingHooksFireOnlyOnErrors(t *testing.T) {
	var alerts int
	hooks := AlertingHooks(func(ctx DispatchContext, err error) { alerts++ })

	hooks.start(DispatchContext{})
	hooks.finish(DispatchContext{}, nil)
	hooks.finish(DispatchContext{}, errors.New("boom"))

	if alerts != 1 {
		t.Fatalf("expected a single alert, got %d", alerts)
	}
}
