package podcomms

import "fmt"

type Outcome int

const (
	Success Outcome = iota
	// CertainFailure means the command did not take effect on the pod
	CertainFailure
	// UncertainFailure means the pod may or may not have acted on the command.
	// Resolve it with a status query, never by sending the command again.
	UncertainFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case CertainFailure:
		return "certain failure"
	case UncertainFailure:
		return "uncertain failure"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result is the outcome of a command that changes delivery
type Result[T any] struct {
	Outcome Outcome
	Value   T
	Err     error
}

func succeeded[T any](v T) Result[T] {
	return Result[T]{Outcome: Success, Value: v}
}

func failed[T any](err error) Result[T] {
	return Result[T]{Outcome: Classify(err), Err: err}
}

func (r Result[T]) OK() bool {
	return r.Outcome == Success
}
