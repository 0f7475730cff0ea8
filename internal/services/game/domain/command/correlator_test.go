package command

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestCorrelatorResolveBeforeWait(t *testing.T) {
	correlator := NewCorrelator()
	correlator.Expect("corr-1")
	if !correlator.Resolve("corr-1", Reply{Result: map[string]any{"ok": true}}) {
		t.Fatal("expected first resolve to succeed")
	}
	if correlator.Resolve("corr-1", Reply{}) {
		t.Fatal("expected second resolve to be ignored")
	}

	reply, err := correlator.Wait(context.Background(), "corr-1")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if reply.Result["ok"] != true {
		t.Fatalf("reply = %+v", reply)
	}
	if correlator.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", correlator.Pending())
	}
}

func TestCorrelatorIgnoresUnexpectedReplies(t *testing.T) {
	correlator := NewCorrelator()
	if correlator.Resolve("nobody-asked", Reply{Result: map[string]any{"ok": true}}) {
		t.Fatal("expected resolve without Expect to be rejected")
	}
	if correlator.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", correlator.Pending())
	}
}

func TestCorrelatorLateReplyAfterWaitGivesUp(t *testing.T) {
	correlator := NewCorrelator()
	correlator.Expect("step/1/0")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := correlator.Wait(ctx, "step/1/0"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	if correlator.Resolve("step/1/0", Reply{Result: map[string]any{"late": true}}) {
		t.Fatal("expected late reply to be rejected")
	}
	if correlator.Pending() != 0 {
		t.Fatalf("pending = %d after late reply, want 0", correlator.Pending())
	}
}

func TestCorrelatorExpectStartsFreshExchange(t *testing.T) {
	correlator := NewCorrelator()
	correlator.Expect("corr-3")
	if !correlator.Resolve("corr-3", Reply{Result: map[string]any{"attempt": 1}}) {
		t.Fatal("expected first reply to be delivered")
	}

	correlator.Expect("corr-3")
	go func() {
		time.Sleep(10 * time.Millisecond)
		correlator.Resolve("corr-3", Reply{Result: map[string]any{"attempt": 2}})
	}()
	reply, err := correlator.Wait(context.Background(), "corr-3")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if reply.Result["attempt"] != 2 {
		t.Fatalf("reply = %+v, want second attempt", reply)
	}
}

func TestAwaitReplyIgnoresStaleReplyOnResubmit(t *testing.T) {
	correlator := NewCorrelator()
	env := newProcessEnvelope(t)

	var dispatched atomic.Int32
	handler := correlator.AwaitReply(func(_ context.Context, sent *Envelope) error {
		if dispatched.Add(1) == 2 {
			go func() {
				time.Sleep(10 * time.Millisecond)
				correlator.Resolve(sent.Header.CorrelationID, Reply{Result: map[string]any{"fresh": true}})
			}()
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := handler(ctx, env); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected first attempt to time out, got %v", err)
	}
	if correlator.Resolve(env.Header.CorrelationID, Reply{Result: map[string]any{"stale": true}}) {
		t.Fatal("expected stale reply to be rejected")
	}

	result, err := handler(context.Background(), env)
	if err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if result["fresh"] != true || result["stale"] != nil {
		t.Fatalf("result = %v, want fresh reply", result)
	}
	if dispatched.Load() != 2 {
		t.Fatalf("dispatched = %d, want 2", dispatched.Load())
	}
	if correlator.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", correlator.Pending())
	}
}

func TestCorrelatorWaitUnblocksOnResolve(t *testing.T) {
	correlator := NewCorrelator()
	done := correlator.Expect("corr-2")

	go func() {
		time.Sleep(10 * time.Millisecond)
		correlator.Resolve("corr-2", Reply{Err: errors.New("no such scene")})
	}()

	reply, err := correlator.Wait(context.Background(), "corr-2")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if reply.Err == nil || reply.Err.Error() != "no such scene" {
		t.Fatalf("reply err = %v", reply.Err)
	}
	select {
	case <-done:
	default:
		t.Fatal("expected channel from Expect to be closed")
	}
}

func TestCorrelatorWaitHonorsContext(t *testing.T) {
	correlator := NewCorrelator()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := correlator.Wait(ctx, "never"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if correlator.Pending() != 0 {
		t.Fatal("expected abandoned wait to be forgotten")
	}
}

func TestAwaitReplyHandler(t *testing.T) {
	correlator := NewCorrelator()
	processor := quietProcessor()
	env := newProcessEnvelope(t)

	handler := correlator.AwaitReply(func(_ context.Context, dispatched *Envelope) error {
		go correlator.Resolve(dispatched.Header.CorrelationID, Reply{Result: map[string]any{"narration": "A door creaks."}})
		return nil
	})
	out, err := processor.Process(context.Background(), env, handler)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Status != StatusCompleted || out.Result["narration"] != "A door creaks." {
		t.Fatalf("unexpected envelope: %+v", out)
	}

	failing := correlator.AwaitReply(func(context.Context, *Envelope) error { return errors.New("agent offline") })
	if _, err := failing(context.Background(), env); err == nil {
		t.Fatal("expected dispatch error")
	}
	if correlator.Pending() != 0 {
		t.Fatalf("pending = %d after failed dispatch", correlator.Pending())
	}
}
