package orchestrator

import (
	"context"

	"github.com/nerrad567/cellcore/internal/scheduler"
	"github.com/nerrad567/cellcore/internal/sequence"
)

// ArmPool hands out exclusive actuator sessions to step programs and halts
// actuators on emergency stop.
type ArmPool interface {
	sequence.Actuators
	Halt(ctx context.Context, resource string) error
}

// SessionPool is a pool whose sessions are a concrete Motion type, such as
// *dobot.Pool with *dobot.Session.
type SessionPool[S sequence.Motion] interface {
	Acquire(ctx context.Context, id string) (S, error)
	Release(id string) error
	Halt(ctx context.Context, id string) error
}

// Arms adapts a SessionPool to an ArmPool.
func Arms[S sequence.Motion](p SessionPool[S]) ArmPool {
	return arms[S]{p: p}
}

type arms[S sequence.Motion] struct {
	p SessionPool[S]
}

func (a arms[S]) Acquire(ctx context.Context, resource string) (sequence.Motion, error) {
	s, err := a.p.Acquire(ctx, resource)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (a arms[S]) Release(resource string) error {
	return a.p.Release(resource)
}

func (a arms[S]) Halt(ctx context.Context, resource string) error {
	return a.p.Halt(ctx, resource)
}

// stopper is the scheduler's emergency stop target.
type stopper struct {
	arms ArmPool
}

func (s stopper) Halt(ctx context.Context, r scheduler.ResourceID) error {
	return s.arms.Halt(ctx, string(r))
}
