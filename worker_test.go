package eventrelay

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTickerWorker_StartAndStop(t *testing.T) {
	workDone := make(chan struct{})
	worker := NewTickerWorker("test-worker", 20*time.Millisecond, nil, func(context.Context) error {
		workDone <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go worker.Start(ctx)
	<-workDone

	worker.Stop()

	select {
	case <-workDone:
		t.Fatal("work should not run after the worker was stopped")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTickerWorker_ContextCancellation(t *testing.T) {
	var runs int32
	worker := NewTickerWorker("test-worker", 10*time.Millisecond, nil, func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	worker.Start(ctx)

	after := atomic.LoadInt32(&runs)
	assert.Greater(t, after, int32(0), "worker should have run at least once")

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&runs), "no runs after cancellation")
}

func TestTickerWorker_StopIsIdempotent(t *testing.T) {
	workDone := make(chan struct{})
	worker := NewTickerWorker("test-worker", 20*time.Millisecond, nil, func(context.Context) error {
		workDone <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go worker.Start(ctx)
	<-workDone

	worker.Stop()
	worker.Stop()
	assert.NotPanics(t, func() { worker.Stop() })
}

func TestTickerWorker_StopWaitsForInFlightRun(t *testing.T) {
	started := make(chan struct{}, 1)
	finished := make(chan struct{}, 1)

	worker := NewTickerWorker("test-worker", 10*time.Millisecond, nil, func(context.Context) error {
		started <- struct{}{}
		time.Sleep(80 * time.Millisecond)
		finished <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go worker.Start(ctx)
	<-started

	stopStarted := time.Now()
	worker.Stop()
	assert.GreaterOrEqual(t, time.Since(stopStarted), 80*time.Millisecond, "Stop must wait for the run to finish")

	select {
	case <-finished:
	default:
		t.Fatal("the in-flight run should have completed")
	}
}

func TestTickerWorker_WorkErrorsDoNotStopTheLoop(t *testing.T) {
	var runs int32
	worker := NewTickerWorker("test-worker", 10*time.Millisecond, nil, func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return assert.AnError
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	worker.Start(ctx)
	assert.Greater(t, atomic.LoadInt32(&runs), int32(1), "the loop keeps ticking past failures")
}

func TestTickerWorker_Name(t *testing.T) {
	worker := NewTickerWorker("outbox_poll", time.Second, nil, func(context.Context) error { return nil })
	assert.Equal(t, "outbox_poll", worker.Name())
}
