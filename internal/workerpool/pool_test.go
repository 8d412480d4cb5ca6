package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func shutdown(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Shutdown(ctx)
}

func TestShutdownWaitsForQueuedJobs(t *testing.T) {
	p := New(2, 10)
	var ran atomic.Int32
	for i := 0; i < 6; i++ {
		if err := p.Submit("listing", func() {
			time.Sleep(time.Millisecond)
			ran.Add(1)
		}); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	shutdown(t, p)

	if ran.Load() != 6 {
		t.Fatalf("ran = %d, want 6", ran.Load())
	}
	if st := p.Stats(); st.Completed != 6 || st.Running != 0 || st.Queued != 0 {
		t.Fatalf("stats = %+v", st)
	}
	if err := p.Submit("late", func() {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit after Shutdown = %v, want ErrStopped", err)
	}
	shutdown(t, p)
}

func TestFullBacklogRejects(t *testing.T) {
	p := New(1, 1)
	release := make(chan struct{})
	started := make(chan struct{})
	p.Submit("download", func() {
		close(started)
		<-release
	})
	<-started

	if err := p.Submit("listing", func() {}); err != nil {
		t.Fatalf("backlog slot should be free: %v", err)
	}
	if err := p.Submit("auth", func() {}); !errors.Is(err, ErrFull) {
		t.Fatalf("Submit = %v, want ErrFull", err)
	}
	if st := p.Stats(); st.Rejected != 1 || st.Running != 1 || st.Queued != 1 {
		t.Fatalf("stats = %+v", st)
	}
	close(release)
	shutdown(t, p)
}

func TestShutdownIsBoundedByContext(t *testing.T) {
	p := New(1, 4)
	release := make(chan struct{})
	defer close(release)
	p.Submit("install", func() { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	p.Shutdown(ctx)
	if time.Since(start) > 2*time.Second {
		t.Fatal("Shutdown ignored its deadline")
	}
}

func TestPanickingJobDoesNotKillWorker(t *testing.T) {
	p := New(1, 4)
	var after atomic.Bool
	p.Submit("batch", func() { panic("boom") })
	p.Submit("batch", func() { after.Store(true) })
	shutdown(t, p)

	if !after.Load() {
		t.Fatal("job after a panic did not run")
	}
	if st := p.Stats(); st.Panicked != 1 || st.Completed != 2 {
		t.Fatalf("stats = %+v", st)
	}
}
