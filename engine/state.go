package engine

import "fmt"

// phase is the lifecycle position of one execution.
type phase uint8

const (
	phaseUncompiled phase = iota
	phaseCompiled
	phaseInstantiated
	phaseRunning
	phaseTerminal
)

func (p phase) String() string {
	switch p {
	case phaseUncompiled:
		return "uncompiled"
	case phaseCompiled:
		return "compiled"
	case phaseInstantiated:
		return "instantiated"
	case phaseRunning:
		return "running"
	case phaseTerminal:
		return "terminal"
	}
	return "unknown"
}

// Any non-terminal phase may end early; terminal is final.
var transitions = map[phase][]phase{
	phaseUncompiled:   {phaseCompiled, phaseTerminal},
	phaseCompiled:     {phaseInstantiated, phaseTerminal},
	phaseInstantiated: {phaseRunning, phaseTerminal},
	phaseRunning:      {phaseTerminal},
}

// execution tracks one request through its phases. It is owned by the
// goroutine running Execute.
type execution struct {
	id      string
	phase   phase
	outcome Outcome
}

func newExecution(id string) *execution {
	return &execution{id: id}
}

func (x *execution) advance(to phase) error {
	for _, allowed := range transitions[x.phase] {
		if allowed == to {
			x.phase = to
			return nil
		}
	}
	return fmt.Errorf("execution %s: invalid transition %s -> %s", x.id, x.phase, to)
}

func (x *execution) finish(o Outcome) error {
	if err := x.advance(phaseTerminal); err != nil {
		return err
	}
	x.outcome = o
	return nil
}
