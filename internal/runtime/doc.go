/*
Package runtime provides the core event processing infrastructure for
dispatchloop.

# Architecture Overview

The runtime package implements an in-process message dispatch pipeline: a
lifecycle-managed event loop feeding a priority-aware router, with a fault
manager that classifies failures, drives recovery, and parks exhausted
messages on a dead-letter topic.

# Package Structure

The runtime package is organized into the following components:

## Event Loop (loop.go)

The EventLoopCore struct is the central orchestrator that wires together:
  - Bounded ingress queue and per-message processing goroutines
  - Message router and shared worker pool
  - Fault manager, retry budget enforcement, and dead-letter sink
  - Heartbeat and health-probe cycles
  - HTTP servers for metrics and the status API

## Routing (router.go, models.go)

The MessageRouter owns four per-priority queues drained strictly
highest-first, a handler registry keyed by message type, admission filters,
and message-transform middlewares. Handler panics are converted to errors and
sibling handler failures are isolated and joined.

## Faults (faults.go, breaker.go)

The FaultManager grades errors by severity, keeps a rolling error log and
per-kind counters, runs registered recovery strategies with exponential
backoff, and opens a per-error-kind circuit breaker after repeated failures.

## Observability (metrics.go, tracing.go, statusapi.go, hooks.go, resources.go)

Prometheus counters, gauges, and histograms for the dispatch path; an
OpenTelemetry span per dispatch; a JSON status API with CORS support;
dispatch lifecycle hooks for logging, metrics, and alerting; and coarse
CPU/memory/goroutine samples for status snapshots.

## Dead Letters (deadletter.go)

An in-process Watermill pub/sub topic carrying JSON envelopes for messages
whose retry budget is exhausted, so operators can subscribe and drain them.

# Sub-packages

  - config/: Loop configuration with validation
  - errors/: Sentinel errors and error types
  - ids/: ULID generation for message and error-record IDs
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters

# Usage Example

	conf := dispatchloop.DefaultConfig()
	conf.MetricsPort = 9090

	loop, err := dispatchloop.NewEventLoop(conf, logger, dispatchloop.LoopDependencies{})
	if err != nil {
		log.Fatal(err)
	}

	loop.RegisterHandler(dispatchloop.NewMessageHandler(
		"order-processor",
		[]string{"orders.created"},
		processOrder,
	))

	loop.Start()
	defer loop.Stop()
*/
package runtime
