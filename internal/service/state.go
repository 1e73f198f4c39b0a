package service

import (
	"context"

	"ragindex/internal/logger"
)

// State is a step of the ingestion state machine.
type State string

const (
	StateReceived       State = "received"
	StateIdentified     State = "identified"
	StateAlreadyPresent State = "already_present"
	StateSplitting      State = "splitting"
	StateEmbedding      State = "embedding"
	StatePersisting     State = "persisting"
	StateDone           State = "done"
	StateFailed         State = "failed"
)

// Terminal reports whether no further transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateAlreadyPresent
}

var transitions = map[State][]State{
	StateReceived:   {StateIdentified, StateFailed},
	StateIdentified: {StateAlreadyPresent, StateSplitting, StateFailed},
	StateSplitting:  {StateEmbedding, StateFailed},
	StateEmbedding:  {StatePersisting, StateFailed},
	StatePersisting: {StateDone, StateFailed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// run tracks one ingestion through its states.
type run struct {
	log   logger.Logger
	trace []State
}

func newRun(log logger.Logger) *run {
	return &run{log: log, trace: []State{StateReceived}}
}

func (r *run) state() State { return r.trace[len(r.trace)-1] }

func (r *run) to(next State) {
	from := r.state()
	if !canTransition(from, next) {
		panic("service: illegal ingestion transition " + string(from) + " -> " + string(next))
	}
	r.trace = append(r.trace, next)
	r.log.Debug("Ingestion state changed", "from", from, "to", next)
}

func (r *run) fail(ctx context.Context, err error) {
	r.to(StateFailed)
	r.log.Warn("Ingestion failed", "error", err, "canceled", ctx.Err() != nil)
}
