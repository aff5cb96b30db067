package memory_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/next-trace/scg-courier/courier"
	"github.com/next-trace/scg-courier/memory"
	"github.com/next-trace/scg-courier/servicebus"
)

type transferArgs struct {
	Amount int `json:"amount"`
}

type transferLog struct {
	Held int `json:"held"`
}

func TestNew_RequestedCompensation(t *testing.T) {
	b, tr, cleanup := memory.New(servicebus.WithLogger(slog.New(slog.DiscardHandler)))
	defer cleanup()

	released := 0

	hold := courier.NewActivity(
		func(ctx context.Context, x courier.ExecuteContext[transferArgs]) courier.ExecutionResult {
			return x.Completed(courier.WithCompensationLog(transferLog{Held: x.Arguments().Amount}))
		},
		func(ctx context.Context, c courier.CompensateContext[transferLog]) courier.CompensationResult {
			released += c.Log().Held
			return c.Compensated()
		},
	)

	if _, _, err := servicebus.Activity[transferArgs, transferLog](b, "hold", "release", hold); err != nil {
		t.Fatalf("hold: %v", err)
	}

	check := courier.ExecuteFunc[transferArgs](func(ctx context.Context, x courier.ExecuteContext[transferArgs]) courier.ExecutionResult {
		return x.RequestCompensation(errors.New("limit exceeded"))
	})

	if _, err := servicebus.ExecuteActivity[transferArgs](b, "check", check); err != nil {
		t.Fatalf("check: %v", err)
	}

	slip, err := b.NewBuilder().
		AddVariable("amount", 40).
		AddActivity("hold", "hold", nil).
		AddActivity("check", "check", nil).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if err := b.Execute(t.Context(), slip); err != nil {
		t.Fatalf("execute: %v", err)
	}

	tr.Wait()

	if released != 40 {
		t.Fatalf("released = %d", released)
	}

	var faulted int
	for _, e := range tr.Events() {
		if _, ok := e.(courier.RoutingSlipFaulted); ok {
			faulted++
		}
	}

	if faulted != 1 {
		t.Fatalf("want 1 faulted event, got %d", faulted)
	}
}
