package courier_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	cbus "github.com/next-trace/scg-courier/contract/bus"
	"github.com/next-trace/scg-courier/courier"
	"github.com/next-trace/scg-courier/pipeline"
)

type sent struct {
	address string
	slip    *courier.RoutingSlip
	opts    cbus.SendOptions
}

type fakeTransport struct {
	mu         sync.Mutex
	sends      []sent
	events     []cbus.Event
	sendErr    error
	publishErr error
}

func (f *fakeTransport) Send(ctx context.Context, address string, msg any, opts cbus.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		return f.sendErr
	}

	slip, ok := msg.(*courier.RoutingSlip)
	if !ok {
		return errors.New("unexpected message type")
	}

	f.sends = append(f.sends, sent{address: address, slip: slip, opts: opts})

	return nil
}

func (f *fakeTransport) Publish(ctx context.Context, evt cbus.Event, opts cbus.PublishOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.publishErr != nil {
		return f.publishErr
	}

	f.events = append(f.events, evt)

	return nil
}

func eventsOf[E cbus.Event](f *fakeTransport) []E {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []E
	for _, e := range f.events {
		if v, ok := e.(E); ok {
			out = append(out, v)
		}
	}

	return out
}

type slipPipe = pipeline.Pipe[*pipeline.ConsumeContext[*courier.RoutingSlip]]

// network delivers recorded sends to hosts one at a time, the way a broker would.
type network struct {
	tr     *fakeTransport
	hosts  map[string]slipPipe
	cursor int
	visits []string
	errs   []error
}

func newNetwork() *network {
	return &network{tr: &fakeTransport{}, hosts: map[string]slipPipe{}}
}

func deliver(ctx context.Context, p slipPipe, slip *courier.RoutingSlip) error {
	return p.Send(ctx, &pipeline.ConsumeContext[*courier.RoutingSlip]{Message: slip})
}

func (n *network) run(t *testing.T) {
	t.Helper()

	for n.cursor < len(n.tr.sends) {
		s := n.tr.sends[n.cursor]
		n.cursor++
		n.visits = append(n.visits, s.address)

		h, ok := n.hosts[s.address]
		if !ok {
			t.Fatalf("no host at %s", s.address)
		}

		if err := deliver(t.Context(), h, s.slip); err != nil {
			n.errs = append(n.errs, err)
		}
	}
}

type stepArgs struct {
	Order string `json:"order"`
	Fail  string `json:"fail"`
}

type stepLog struct {
	Step string `json:"step"`
}

type recorder struct {
	mu          sync.Mutex
	compensated []string
}

func (r *recorder) add(step string) {
	r.mu.Lock()
	r.compensated = append(r.compensated, step)
	r.mu.Unlock()
}

// step completes with a compensation log unless the "fail" argument names it.
func step(name string, rec *recorder, failCompensation bool) courier.CompensableActivity[stepArgs, stepLog] {
	return courier.NewActivity(
		func(ctx context.Context, exec courier.ExecuteContext[stepArgs]) courier.ExecutionResult {
			if exec.Arguments().Fail == name {
				return exec.Faulted(errors.New(name + " failed"))
			}

			return exec.Completed(
				courier.WithVariable(name, "done"),
				courier.WithCompensationLog(stepLog{Step: name}),
			)
		},
		func(ctx context.Context, comp courier.CompensateContext[stepLog]) courier.CompensationResult {
			rec.add(comp.Log().Step)
			if failCompensation {
				return comp.Failed(errors.New("cannot undo " + name))
			}

			return comp.Compensated()
		},
	)
}

func (n *network) addStep(t *testing.T, name string, rec *recorder, failCompensation bool) {
	t.Helper()

	a := step(name, rec, failCompensation)

	exec, err := courier.NewExecuteActivityHost[stepArgs](n.tr, a, courier.WithCompensateAddress("comp-"+name))
	if err != nil {
		t.Fatalf("execute host: %v", err)
	}

	comp, err := courier.NewCompensateActivityHost[stepLog](n.tr, a)
	if err != nil {
		t.Fatalf("compensate host: %v", err)
	}

	n.hosts["exec-"+name] = exec
	n.hosts["comp-"+name] = comp
}

func buildSlip(t *testing.T, vars map[string]any, names ...string) *courier.RoutingSlip {
	t.Helper()

	b := courier.NewBuilder("tn-1").SetVariables(vars)
	for _, n := range names {
		b.AddActivity(n, "exec-"+n, nil)
	}

	slip, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	return slip
}
