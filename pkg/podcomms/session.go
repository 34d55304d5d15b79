package podcomms

import (
	"context"
	"fmt"
	"time"

	"github.com/avereha/podmanager/pkg/basal"
	"github.com/avereha/podmanager/pkg/command"
	"github.com/avereha/podmanager/pkg/dose"
	"github.com/avereha/podmanager/pkg/pod"
	"github.com/avereha/podmanager/pkg/response"

	log "github.com/sirupsen/logrus"
)

// Session is one logical operation against the pod. It is only valid
// inside the function given to RunSession.
type Session struct {
	ctx   context.Context
	name  string
	comms *PodComms
}

// State returns a copy of the pod state as of now
func (s *Session) State() pod.State {
	return s.comms.state.Clone()
}

// UpdateState applies fn to the state and notifies the delegate
func (s *Session) UpdateState(fn func(*pod.State)) {
	s.comms.updateState(fn)
}

func (s *Session) now() time.Time {
	return s.comms.clock()
}

func (s *Session) GetStatus() (*response.StatusResponse, error) {
	status, err := s.comms.exchangeForStatus(s.ctx, &command.GetStatus{StatusType: command.StatusTypeGeneral})
	if err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}
	log.Debugf("Session %s: status %s", s.name, status.DeliveryStatus)
	return status, nil
}

// CancelDelivery stops the given delivery. The returned status is the only
// confirmation: the caller has to check the delivery is no longer running.
func (s *Session) CancelDelivery(kind command.DeliveryType, beep command.BeepType) (*response.StatusResponse, error) {
	status, err := s.comms.exchangeForStatus(s.ctx, &command.StopDelivery{DeliveryType: kind, BeepType: beep})
	if err != nil {
		return nil, fmt.Errorf("cancel %s: %w", kind, err)
	}
	now := s.now()
	s.UpdateState(func(state *pod.State) {
		if kind&command.DeliveryTypeBolus != 0 && !status.DeliveryStatus.Bolusing() && state.UnfinalizedBolus != nil {
			state.UnfinalizedBolus.Cancel(now, status.BolusNotDelivered())
		}
		if kind&command.DeliveryTypeTempBasal != 0 && !status.DeliveryStatus.TempBasalRunning() && state.UnfinalizedTempBasal != nil {
			state.UnfinalizedTempBasal.Cancel(now, 0)
		}
	})
	if !confirmsCancel(kind, status.DeliveryStatus) {
		log.Warnf("Session %s: pod still reports %s after cancelling %s", s.name, status.DeliveryStatus, kind)
	}
	return status, nil
}

func confirmsCancel(kind command.DeliveryType, status response.DeliveryStatus) bool {
	if kind&command.DeliveryTypeBolus != 0 && status.Bolusing() {
		return false
	}
	if kind&command.DeliveryTypeTempBasal != 0 && status.TempBasalRunning() {
		return false
	}
	if kind&command.DeliveryTypeBasal != 0 && status&response.DeliveryBasal != 0 {
		return false
	}
	return true
}

// ResumeBasal programs the stored basal schedule again
func (s *Session) ResumeBasal() (*response.StatusResponse, error) {
	schedule := s.comms.state.BasalSchedule
	if schedule == nil {
		return nil, ErrNoBasalSchedule
	}
	status, err := s.comms.exchangeForStatus(s.ctx, command.NewSetBasal(*schedule)...)
	if err != nil {
		return nil, fmt.Errorf("resume basal: %w", err)
	}
	return status, nil
}

// SetBasalSchedule programs schedule and stores it for later resumes
func (s *Session) SetBasalSchedule(schedule basal.Schedule) (*response.StatusResponse, error) {
	status, err := s.comms.exchangeForStatus(s.ctx, command.NewSetBasal(schedule)...)
	if err != nil {
		return nil, fmt.Errorf("set basal schedule: %w", err)
	}
	s.UpdateState(func(state *pod.State) {
		state.BasalSchedule = &schedule
	})
	return status, nil
}

// Bolus starts an immediate bolus. The dose is recorded as uncertain before
// the command goes out; a certain failure puts the previous record back.
func (s *Session) Bolus(units float64) Result[struct{}] {
	cmds, err := command.NewSetBolus(units)
	if err != nil {
		return failed[struct{}](&CommsError{Err: err})
	}
	outcome, err := s.enact(dose.NewBolus(units, s.now(), false), cmds)
	if err != nil {
		log.Warnf("Session %s: bolus %.2fU: %s: %v", s.name, units, outcome, err)
		return failed[struct{}](fmt.Errorf("bolus: %w", err))
	}
	return succeeded(struct{}{})
}

// SetTempBasal follows the same recording rules as Bolus
func (s *Session) SetTempBasal(rate float64, duration time.Duration, confidenceReminder bool, programReminderInterval time.Duration) Result[struct{}] {
	cmds, err := command.NewSetTempBasal(rate, duration, confidenceReminder)
	if err != nil {
		return failed[struct{}](&CommsError{Err: err})
	}
	if programReminderInterval > 0 {
		set := cmds[1].(*command.ProgramTempBasal)
		set.Reminder |= byte(programReminderInterval/time.Minute) & 0x3f
	}
	outcome, err := s.enact(dose.NewTempBasal(rate, duration, s.now(), false), cmds)
	if err != nil {
		log.Warnf("Session %s: temp basal %.2fU/h: %s: %v", s.name, rate, outcome, err)
		return failed[struct{}](fmt.Errorf("set temp basal: %w", err))
	}
	return succeeded(struct{}{})
}

func (s *Session) enact(d dose.UnfinalizedDose, cmds []command.Command) (Outcome, error) {
	var previous *dose.UnfinalizedDose
	s.UpdateState(func(state *pod.State) {
		slot := pendingSlot(state, d.Type)
		previous = *slot
		*slot = &d
	})
	_, err := s.comms.exchangeForStatus(s.ctx, cmds...)
	outcome := Classify(err)
	switch outcome {
	case Success:
		s.UpdateState(func(state *pod.State) {
			if slot := pendingSlot(state, d.Type); *slot != nil {
				(*slot).Certain = true
			}
		})
	case CertainFailure:
		s.UpdateState(func(state *pod.State) {
			*pendingSlot(state, d.Type) = previous
		})
	}
	return outcome, err
}

func pendingSlot(state *pod.State, kind dose.Type) **dose.UnfinalizedDose {
	if kind == dose.TempBasal {
		return &state.UnfinalizedTempBasal
	}
	return &state.UnfinalizedBolus
}

// StoreFinalizedDoses moves doses the status shows as over to the finalized
// list, then offers the whole list to handler. The list is kept until
// handler returns true.
func (s *Session) StoreFinalizedDoses(status *response.StatusResponse, handler func([]dose.Dose) bool) bool {
	finalized, still := s.comms.reconciler.Finalize(status.DeliveryStatus, s.comms.state.PendingDoses())
	s.UpdateState(func(state *pod.State) {
		state.UnfinalizedBolus = nil
		state.UnfinalizedTempBasal = nil
		for i := range still {
			d := still[i]
			switch d.Type {
			case dose.Bolus:
				state.UnfinalizedBolus = &d
			case dose.TempBasal:
				state.UnfinalizedTempBasal = &d
			}
		}
		state.FinalizedDoses = append(state.FinalizedDoses, finalized...)
	})

	doses := s.comms.state.FinalizedDoses
	if len(doses) == 0 {
		return true
	}
	if !handler(append([]dose.Dose(nil), doses...)) {
		return false
	}
	s.UpdateState(func(state *pod.State) {
		state.FinalizedDoses = nil
	})
	return true
}

// ReportDoses is the usual StoreFinalizedDoses handler: hand the doses to the reconciler's host
func (s *Session) ReportDoses(status *response.StatusResponse) bool {
	return s.StoreFinalizedDoses(status, func(doses []dose.Dose) bool {
		return s.comms.reconciler.Report(s.ctx, doses)
	})
}
