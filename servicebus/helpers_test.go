package servicebus_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/next-trace/scg-courier/adapters/inmemory"
	"github.com/next-trace/scg-courier/courier"
	"github.com/next-trace/scg-courier/servicebus"
)

var quiet = slog.New(slog.DiscardHandler)

type orderArgs struct {
	OrderID string `json:"orderId"`
	FailAt  string `json:"failAt"`
}

type orderLog struct {
	OrderID string `json:"orderId"`
	Step    string `json:"step"`
}

type undoLog struct {
	mu    sync.Mutex
	steps []string
}

func (u *undoLog) add(s string) {
	u.mu.Lock()
	u.steps = append(u.steps, s)
	u.mu.Unlock()
}

func (u *undoLog) list() []string {
	u.mu.Lock()
	defer u.mu.Unlock()

	return append([]string(nil), u.steps...)
}

func orderStep(name string, undo *undoLog) courier.CompensableActivity[orderArgs, orderLog] {
	return courier.NewActivity(
		func(ctx context.Context, exec courier.ExecuteContext[orderArgs]) courier.ExecutionResult {
			args := exec.Arguments()
			if args.FailAt == name {
				return exec.Faulted(errors.New(name + " rejected"))
			}

			return exec.Completed(
				courier.WithVariable(name, "done"),
				courier.WithCompensationLog(orderLog{OrderID: args.OrderID, Step: name}),
			)
		},
		func(ctx context.Context, comp courier.CompensateContext[orderLog]) courier.CompensationResult {
			undo.add(comp.Log().Step)
			return comp.Compensated()
		},
	)
}

func newBus(t *testing.T, opts ...servicebus.Option) (*servicebus.Bus, *inmemory.Transport) {
	t.Helper()

	tr := inmemory.New(inmemory.WithLogger(quiet))
	t.Cleanup(func() { _ = tr.Close() })

	b, err := servicebus.New(tr, append([]servicebus.Option{servicebus.WithLogger(quiet)}, opts...)...)
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	return b, tr
}

func hostSteps(t *testing.T, b *servicebus.Bus, undo *undoLog, names ...string) {
	t.Helper()

	for _, n := range names {
		if _, _, err := servicebus.Activity[orderArgs, orderLog](b, n+"-execute", n+"-compensate", orderStep(n, undo)); err != nil {
			t.Fatalf("activity %s: %v", n, err)
		}
	}
}

type collector[E any] struct {
	mu  sync.Mutex
	got []E
}

func (c *collector[E]) handle(ctx context.Context, e E) error {
	c.mu.Lock()
	c.got = append(c.got, e)
	c.mu.Unlock()

	return nil
}

func (c *collector[E]) list() []E {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]E(nil), c.got...)
}
