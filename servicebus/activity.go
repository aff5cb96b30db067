package servicebus

import (
	"fmt"

	berr "github.com/next-trace/scg-courier/contract/errors"
	"github.com/next-trace/scg-courier/courier"
	"github.com/next-trace/scg-courier/pipeline"
)

type slipPipe = pipeline.Pipe[*pipeline.ConsumeContext[*courier.RoutingSlip]]

// ExecuteActivity hosts a forward-only activity at address. Its completions push no
// compensation logs; a compensation log returned by it faults the slip.
func ExecuteActivity[TArgs any](
	b *Bus,
	address string,
	a courier.ExecuteActivity[TArgs],
	opts ...courier.HostOption,
) (*Endpoint, error) {
	host, err := courier.NewExecuteActivityHost[TArgs](b.out, a, b.hostOptions(opts)...)
	if err != nil {
		return nil, fmt.Errorf("execute activity %s: %w", address, err)
	}

	return b.hostSlips(address, "execute", host)
}

// CompensateActivity hosts the undo half of an activity at address.
func CompensateActivity[TLog any](
	b *Bus,
	address string,
	a courier.CompensateActivity[TLog],
	opts ...courier.HostOption,
) (*Endpoint, error) {
	host, err := courier.NewCompensateActivityHost[TLog](b.out, a, b.hostOptions(opts)...)
	if err != nil {
		return nil, fmt.Errorf("compensate activity %s: %w", address, err)
	}

	return b.hostSlips(address, "compensate", host)
}

// Activity hosts both halves of a compensable activity. Compensation logs pushed by the
// execute endpoint point at compensateAddress.
func Activity[TArgs, TLog any](
	b *Bus,
	executeAddress, compensateAddress string,
	a courier.CompensableActivity[TArgs, TLog],
	opts ...courier.HostOption,
) (execute, compensate *Endpoint, err error) {
	if executeAddress == compensateAddress {
		return nil, nil, fmt.Errorf("activity %s: execute and compensate addresses must differ: %w",
			executeAddress, berr.ErrConfiguration)
	}

	compensate, err = CompensateActivity[TLog](b, compensateAddress, a, opts...)
	if err != nil {
		return nil, nil, err
	}

	execOpts := append(append([]courier.HostOption(nil), opts...), courier.WithCompensateAddress(compensateAddress))

	execute, err = ExecuteActivity[TArgs](b, executeAddress, a, execOpts...)
	if err != nil {
		b.removeEndpoint(compensate)
		return nil, nil, err
	}

	return execute, compensate, nil
}

func (b *Bus) hostSlips(address, role string, host slipPipe) (*Endpoint, error) {
	ep, err := b.ReceiveEndpoint(address)
	if err != nil {
		return nil, err
	}

	if _, err := connectAs[*courier.RoutingSlip](ep, courier.MessageType, role+" "+address, host); err != nil {
		b.removeEndpoint(ep)
		return nil, err
	}

	return ep, nil
}
