package podcomms

import (
	"errors"
	"fmt"

	"github.com/avereha/podmanager/pkg/response"
	"github.com/avereha/podmanager/pkg/transport"
)

var (
	ErrPodSuspended         = errors.New("pod is suspended")
	ErrUnfinalizedBolus     = errors.New("bolus already in progress")
	ErrUnfinalizedTempBasal = errors.New("temp basal could not be cancelled")
	ErrNoBasalSchedule      = errors.New("no basal schedule")
	ErrNoStatus             = errors.New("response has no status")
)

// CommsError is a failed exchange with the pod
type CommsError struct {
	// Sent is true when the pod may have received the command
	Sent bool
	Err  error
}

func (e *CommsError) Error() string {
	return fmt.Sprintf("comms error: %v", e.Err)
}

func (e *CommsError) Unwrap() error {
	return e.Err
}

// PodError is the pod rejecting a command block
type PodError struct {
	Code   response.ErrorCode
	Detail uint16
}

func (e *PodError) Error() string {
	return fmt.Sprintf("pod rejected the command: %s (0x%04x)", e.Code, e.Detail)
}

func (e *PodError) Is(target error) bool {
	return e.Code == response.ErrorPodSuspended && target == ErrPodSuspended
}

// Classify maps an exchange error to the outcome of a delivery command.
// Only failures known to have kept the command from the pod are certain.
func Classify(err error) Outcome {
	if err == nil {
		return Success
	}
	var podErr *PodError
	if errors.As(err, &podErr) {
		return CertainFailure
	}
	var commsErr *CommsError
	if errors.As(err, &commsErr) {
		if commsErr.Sent {
			return UncertainFailure
		}
		return CertainFailure
	}
	if !transport.WasSent(err) {
		return CertainFailure
	}
	if errors.Is(err, ErrPodSuspended) || errors.Is(err, ErrUnfinalizedBolus) ||
		errors.Is(err, ErrUnfinalizedTempBasal) || errors.Is(err, ErrNoBasalSchedule) {
		return CertainFailure
	}
	return UncertainFailure
}
