package memdb

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type counterTable struct {
	mu sync.Mutex
	n  int
}

func (c *counterTable) Snapshot() func() {
	c.mu.Lock()
	saved := c.n
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.n = saved
		c.mu.Unlock()
	}
}

func (c *counterTable) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func TestWithinTx_RollbackOnError(t *testing.T) {
	d := New()
	a, b := &counterTable{}, &counterTable{}
	d.Register(a)
	d.Register(b)

	errBoom := errors.New("boom")
	err := d.WithinTx(context.Background(), func(ctx context.Context) error {
		a.inc()
		b.inc()
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected errBoom, got %v", err)
	}
	if a.n != 0 || b.n != 0 {
		t.Errorf("expected rollback of both tables, got a=%d b=%d", a.n, b.n)
	}
}

func TestWithinTx_CommitAndNested(t *testing.T) {
	d := New()
	a := &counterTable{}
	d.Register(a)

	err := d.WithinTx(context.Background(), func(ctx context.Context) error {
		a.inc()
		return d.WithinTx(ctx, func(ctx context.Context) error {
			a.inc()
			return nil
		})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.n != 2 {
		t.Errorf("expected 2, got %d", a.n)
	}
}

func TestWithinTx_UnitsOfWorkRunOneAtATime(t *testing.T) {
	d := New()
	d.Register(&counterTable{})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		overlap bool
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.WithinTx(context.Background(), func(ctx context.Context) error {
				mu.Lock()
				active++
				if active > 1 {
					overlap = true
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	if overlap {
		t.Error("units of work overlapped")
	}
}

func TestWithinTx_RollbackDiscardsOutsideWrites(t *testing.T) {
	d := New()
	a := &counterTable{}
	d.Register(a)

	errBoom := errors.New("boom")
	_ = d.WithinTx(context.Background(), func(ctx context.Context) error {
		a.inc()
		done := make(chan struct{})
		go func() {
			a.inc()
			close(done)
		}()
		<-done
		return errBoom
	})
	if a.n != 0 {
		t.Errorf("expected whole-table rollback, got %d", a.n)
	}
}
