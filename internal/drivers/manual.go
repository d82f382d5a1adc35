package drivers

import (
	"context"
	"errors"
	"fmt"

	"provisioner/internal/planner"
	"provisioner/internal/solution"
)

// ErrNotAcknowledged fails a manual step the operator did not confirm.
var ErrNotAcknowledged = errors.New("manual step not acknowledged")

// Acknowledger asks the operator to confirm a manual step.
type Acknowledger interface {
	Acknowledge(ctx context.Context, step, title string) (bool, error)
}

// AcknowledgerFunc adapts a function to Acknowledger.
type AcknowledgerFunc func(ctx context.Context, step, title string) (bool, error)

func (f AcknowledgerFunc) Acknowledge(ctx context.Context, step, title string) (bool, error) {
	return f(ctx, step, title)
}

// RefuseAll acknowledges nothing. It is the unattended default.
type RefuseAll struct{}

func (RefuseAll) Acknowledge(context.Context, string, string) (bool, error) { return false, nil }

// AutoAck acknowledges every step.
type AutoAck struct{}

func (AutoAck) Acknowledge(context.Context, string, string) (bool, error) { return true, nil }

// Manual waits for the operator to confirm an instruction-only step.
type Manual struct {
	Acknowledger Acknowledger
}

func (d *Manual) RunPhase(ctx context.Context, phase string, env *Env) error {
	if phase != planner.PhaseAcknowledge {
		return unknownPhase(solution.StepManual, phase)
	}
	ack := d.Acknowledger
	if ack == nil {
		ack = RefuseAll{}
	}
	ok, err := ack.Acknowledge(ctx, env.StepID, firstNonEmpty(env.Title, env.StepID))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", env.StepID, ErrNotAcknowledged)
	}
	env.Log("acknowledged")
	return nil
}
