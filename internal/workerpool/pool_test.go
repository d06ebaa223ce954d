package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/conduit/pkg/models"
)

func quickTask(name, output string) Task {
	return Task{
		Tool: name,
		Fn: func(ctx context.Context, progress func(string)) (*models.ToolResult, error) {
			return models.SuccessResult(output), nil
		},
	}
}

func TestExecuteReturnsResult(t *testing.T) {
	p := New(Config{MaxWorkers: 2})
	defer shutdownPool(t, p)

	res, err := p.Execute(context.Background(), quickTask("echo", "hi"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.Output != "hi" {
		t.Errorf("result = %+v", res)
	}

	s := p.Stats()
	if s.TotalTasks != 1 || s.Completed != 1 || s.Failed != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestMaxWorkersHonoured(t *testing.T) {
	const maxWorkers = 2
	p := New(Config{MaxWorkers: maxWorkers})
	defer shutdownPool(t, p)

	var running, peak int32
	release := make(chan struct{})

	blocker := Task{
		Tool: "block",
		Fn: func(ctx context.Context, progress func(string)) (*models.ToolResult, error) {
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			<-release
			atomic.AddInt32(&running, -1)
			return models.SuccessResult("ok"), nil
		},
	}

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Execute(context.Background(), blocker); err != nil {
				t.Errorf("Execute: %v", err)
			}
		}()
	}

	waitFor(t, func() bool { return p.Stats().Queued == 6-maxWorkers })
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&peak); got > maxWorkers {
		t.Errorf("peak concurrency = %d, want <= %d", got, maxWorkers)
	}
}

func TestQueueIsFIFO(t *testing.T) {
	p := New(Config{MaxWorkers: 1})
	defer shutdownPool(t, p)

	var order []string
	var mu sync.Mutex
	record := func(name string) Task {
		return Task{
			Tool: name,
			Fn: func(ctx context.Context, progress func(string)) (*models.ToolResult, error) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return models.SuccessResult(""), nil
			},
		}
	}

	gate := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Execute(context.Background(), Task{
			Tool: "gate",
			Fn: func(ctx context.Context, progress func(string)) (*models.ToolResult, error) {
				<-gate
				return models.SuccessResult(""), nil
			},
		})
	}()
	waitFor(t, func() bool { return p.Stats().ActiveWorkers == 1 })

	// Enqueue strictly one at a time so queue order is defined.
	for i, name := range []string{"first", "second", "third"} {
		wg.Add(1)
		go func(tk Task) {
			defer wg.Done()
			p.Execute(context.Background(), tk)
		}(record(name))
		want := i + 1
		waitFor(t, func() bool { return p.Stats().Queued == want })
	}

	close(gate)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestTaskTimeout(t *testing.T) {
	p := New(Config{MaxWorkers: 1, TaskTimeout: 30 * time.Millisecond})
	defer shutdownPool(t, p)

	stuck := Task{
		Tool: "stuck",
		Fn: func(ctx context.Context, progress func(string)) (*models.ToolResult, error) {
			time.Sleep(500 * time.Millisecond) // ignores ctx on purpose
			return models.SuccessResult(""), nil
		},
	}

	_, err := p.Execute(context.Background(), stuck)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}

	// The abandoned worker is replaced; the pool keeps serving.
	res, err := p.Execute(context.Background(), quickTask("echo", "after"))
	if err != nil {
		t.Fatalf("Execute after timeout: %v", err)
	}
	if res.Output != "after" {
		t.Errorf("result = %+v", res)
	}
}

func TestCancelMidTask(t *testing.T) {
	p := New(Config{MaxWorkers: 1})
	defer shutdownPool(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})

	go func() {
		<-started
		cancel()
	}()

	_, err := p.Execute(ctx, Task{
		Tool: "cancellable",
		Fn: func(ctx context.Context, progress func(string)) (*models.ToolResult, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want cancelled", err)
	}
}

func TestCancelBeforeDispatch(t *testing.T) {
	p := New(Config{MaxWorkers: 1})
	defer shutdownPool(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Execute(ctx, quickTask("never", ""))
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want cancelled", err)
	}
}

func TestWorkerCrashRecovered(t *testing.T) {
	p := New(Config{MaxWorkers: 1})
	defer shutdownPool(t, p)

	_, err := p.Execute(context.Background(), Task{
		Tool: "bomb",
		Fn: func(ctx context.Context, progress func(string)) (*models.ToolResult, error) {
			panic("boom")
		},
	})
	if !errors.Is(err, ErrCrashed) {
		t.Fatalf("err = %v, want crash", err)
	}

	res, err := p.Execute(context.Background(), quickTask("echo", "alive"))
	if err != nil || res.Output != "alive" {
		t.Fatalf("pool dead after crash: %v %+v", err, res)
	}
}

func TestShutdownRejectsQueued(t *testing.T) {
	p := New(Config{MaxWorkers: 1})

	gate := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Execute(context.Background(), Task{
			Tool: "gate",
			Fn: func(ctx context.Context, progress func(string)) (*models.ToolResult, error) {
				<-gate
				return models.SuccessResult(""), nil
			},
		})
	}()
	waitFor(t, func() bool { return p.Stats().ActiveWorkers == 1 })

	errCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := p.Execute(context.Background(), quickTask("queued", ""))
		errCh <- err
	}()
	waitFor(t, func() bool { return p.Stats().Queued == 1 })

	close(gate)
	ctx, cancelTimeout := context.WithTimeout(context.Background(), time.Second)
	defer cancelTimeout()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if err := <-errCh; !errors.Is(err, ErrShutdown) {
		t.Errorf("queued task err = %v, want shutdown", err)
	}
	wg.Wait()

	if _, err := p.Execute(context.Background(), quickTask("late", "")); !errors.Is(err, ErrShutdown) {
		t.Errorf("post-shutdown err = %v, want shutdown", err)
	}
}

func TestProgressForwarded(t *testing.T) {
	p := New(Config{MaxWorkers: 1})
	defer shutdownPool(t, p)

	var got []string
	var mu sync.Mutex
	_, err := p.Execute(context.Background(), Task{
		Tool: "chatty",
		Fn: func(ctx context.Context, progress func(string)) (*models.ToolResult, error) {
			progress("step 1")
			progress("step 2")
			return models.SuccessResult("done"), nil
		},
		OnProgress: func(update string) {
			mu.Lock()
			got = append(got, update)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "step 1" || got[1] != "step 2" {
		t.Errorf("progress = %v", got)
	}
}

func shutdownPool(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Logf("shutdown: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(fmt.Errorf("condition not met within deadline"))
}
