package manager

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/avereha/podmanager/pkg/basal"
	"github.com/avereha/podmanager/pkg/command"
	"github.com/avereha/podmanager/pkg/dose"
	"github.com/avereha/podmanager/pkg/pod"
	"github.com/avereha/podmanager/pkg/podcomms"
	"github.com/avereha/podmanager/pkg/response"
	"github.com/avereha/podmanager/pkg/transport"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultFreshness         = 4 * time.Minute
	DefaultReservoirCapacity = 200.0 // U

	// temp basals shorter than this only cancel the running one
	minTempBasalDuration = time.Second
)

var (
	ErrClosed         = errors.New("pump manager is closed")
	ErrInvalidAddress = errors.New("pod address is not set")
	ErrNoUnits        = errors.New("bolus rounds to zero units")
	ErrShortTempBasal = errors.New("temp basal rounds to zero minutes")
)

// Sink is the host side: it stores doses and shows the pump status
type Sink interface {
	dose.Reporter
	ReportStatusUpdate(ctx context.Context, status Status) error
	ReportHeartbeat(ctx context.Context)
}

// SetBolusError is a failed EnactBolus. When Certain is false the bolus
// may be running and is tracked as an unfinalized dose; do not retry it.
type SetBolusError struct {
	Certain bool
	Err     error
}

func (e *SetBolusError) Error() string {
	if e.Certain {
		return fmt.Sprintf("bolus failed: %v", e.Err)
	}
	return fmt.Sprintf("bolus may have been delivered: %v", e.Err)
}

func (e *SetBolusError) Unwrap() error {
	return e.Err
}

// Connection is the part of the raw state that belongs to the transport
type Connection struct {
	Address string
	Timeout time.Duration
}

type op struct {
	name string
	fn   func()
}

// Manager runs every pump operation on one worker goroutine, in submission
// order. The pod state is only written from that goroutine.
type Manager struct {
	comms  *podcomms.PodComms
	sink   Sink
	device Device

	clock             func() time.Time
	pulseSize         float64
	reservoirCapacity float64
	freshness         time.Duration
	connection        Connection
	store             *pod.Store

	ops       chan op
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// worker only
	lastReport      time.Time
	lastMeasurement time.Time

	statusMtx sync.Mutex
	status    Status

	observers *observers
}

type Option func(*Manager)

func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

func WithPulseSize(units float64) Option {
	return func(m *Manager) {
		m.pulseSize = units
	}
}

func WithReservoirCapacity(units float64) Option {
	return func(m *Manager) {
		m.reservoirCapacity = units
	}
}

// WithFreshness sets how old the last report may get before AssertCurrentData queries the pod
func WithFreshness(d time.Duration) Option {
	return func(m *Manager) {
		m.freshness = d
	}
}

func WithConnection(c Connection) Option {
	return func(m *Manager) {
		m.connection = c
	}
}

// WithStateStore saves every state change
func WithStateStore(store *pod.Store) Option {
	return func(m *Manager) {
		m.store = store
	}
}

// New starts the worker. Call Close to stop it.
func New(state pod.State, t transport.Transport, sink Sink, opts ...Option) (*Manager, error) {
	if state.Address == 0 {
		return nil, ErrInvalidAddress
	}
	m := &Manager{
		sink:              sink,
		device:            newDevice(state),
		clock:             time.Now,
		pulseSize:         command.PulseSize,
		reservoirCapacity: DefaultReservoirCapacity,
		freshness:         DefaultFreshness,
		ops:               make(chan op),
		quit:              make(chan struct{}),
		done:              make(chan struct{}),
		observers:         newObservers(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.pulseSize <= 0 {
		return nil, fmt.Errorf("invalid pulse size: %v", m.pulseSize)
	}
	m.status = m.statusFrom(state)
	if state.LastInsulinMeasurements != nil {
		m.lastMeasurement = state.LastInsulinMeasurements.ValidTime
	}
	m.comms = podcomms.New(state, t, &delegate{m: m}, dose.NewReconciler(sink), podcomms.WithClock(m.clock))

	go m.run()
	log.Infof("Pump manager started for pod %s", m.device.LocalIdentifier)
	return m, nil
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case o := <-m.ops:
			log.Debugf("Running %s", o.name)
			o.fn()
		case <-m.quit:
			return
		}
	}
}

// do runs fn on the worker and waits for it. Once accepted, fn runs to
// completion even if ctx is cancelled.
func (m *Manager) do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	errc := make(chan error, 1)
	work := context.WithoutCancel(ctx)
	o := op{name: name, fn: func() { errc <- fn(work) }}
	select {
	case m.ops <- o:
	case <-m.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-errc
}

// Close waits for the running operation and stops the worker
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.quit)
	})
	<-m.done
}

func (m *Manager) session(ctx context.Context, name string, fn func(*podcomms.Session) error) error {
	return m.do(ctx, name, func(ctx context.Context) error {
		return m.comms.RunSession(ctx, name, fn)
	})
}

func (m *Manager) roundToPulse(units float64) float64 {
	return math.Round(units/m.pulseSize) * m.pulseSize
}

// Status returns the last published snapshot
func (m *Manager) Status() Status {
	m.statusMtx.Lock()
	defer m.statusMtx.Unlock()
	return m.status
}

func (m *Manager) Device() Device {
	return m.device
}

// State is a copy of the pod state, for display
func (m *Manager) State() pod.State {
	return m.comms.State()
}

// finalizeDoses hands finished doses to the sink. Worker only.
func (m *Manager) finalizeDoses(s *podcomms.Session, status *response.StatusResponse) bool {
	if !s.ReportDoses(status) {
		return false
	}
	m.lastReport = m.clock()
	return true
}

// AssertCurrentData refreshes the pump data when the last report is
// stale. Failures are logged, never returned.
func (m *Manager) AssertCurrentData(ctx context.Context) {
	err := m.do(ctx, "assertCurrentData", func(ctx context.Context) error {
		age := m.clock().Sub(m.lastReport)
		if !m.lastReport.IsZero() && age <= m.freshness {
			log.Debugf("Pump data is %s old, not refreshing", age.Round(time.Second))
			return nil
		}
		var status Status
		err := m.comms.RunSession(ctx, "assertCurrentData", func(s *podcomms.Session) error {
			rsp, err := s.GetStatus()
			if err != nil {
				return err
			}
			m.finalizeDoses(s, rsp)
			status = m.Status()
			return nil
		})
		if err != nil {
			return err
		}
		if err := m.sink.ReportStatusUpdate(ctx, status); err != nil {
			log.Warnf("Could not report pump status: %v", err)
		}
		return nil
	})
	if err != nil {
		log.Warnf("Could not refresh pump data: %v", err)
	}
}

// SuspendDelivery stops all delivery and returns whether the pod reports itself suspended
func (m *Manager) SuspendDelivery(ctx context.Context) (bool, error) {
	var suspended bool
	err := m.session(ctx, "suspendDelivery", func(s *podcomms.Session) error {
		status, err := s.CancelDelivery(command.DeliveryTypeAll, command.BeepTypeNoBeep)
		if err != nil {
			return err
		}
		m.finalizeDoses(s, status)
		suspended = status.DeliveryStatus.Suspended()
		return nil
	})
	return suspended, err
}

// ResumeDelivery restarts the basal schedule and returns whether delivery runs again
func (m *Manager) ResumeDelivery(ctx context.Context) (bool, error) {
	var resumed bool
	err := m.session(ctx, "resumeDelivery", func(s *podcomms.Session) error {
		status, err := s.ResumeBasal()
		if err != nil {
			return err
		}
		m.finalizeDoses(s, status)
		resumed = !status.DeliveryStatus.Suspended()
		return nil
	})
	return resumed, err
}

// EnactBolus delivers units rounded to the pulse size. willRequest, when
// set, is called with the rounded units and the current time right before
// the bolus is sent.
// A failure after the pod may have received the bolus is returned as a
// *SetBolusError with Certain false.
func (m *Manager) EnactBolus(ctx context.Context, units float64, willRequest func(units float64, date time.Time)) error {
	rounded := m.roundToPulse(units)
	if rounded <= 0 {
		return &SetBolusError{Certain: true, Err: ErrNoUnits}
	}
	return m.session(ctx, "enactBolus", func(s *podcomms.Session) error {
		status, err := s.GetStatus()
		if err != nil {
			return &SetBolusError{Certain: true, Err: err}
		}
		if status.DeliveryStatus.Suspended() {
			log.Infof("Resuming delivery before bolus")
			status, err = s.ResumeBasal()
			if err != nil {
				return &SetBolusError{Certain: true, Err: err}
			}
		}
		if status.DeliveryStatus.Bolusing() {
			return &SetBolusError{Certain: true, Err: podcomms.ErrUnfinalizedBolus}
		}
		m.finalizeDoses(s, status)

		if willRequest != nil {
			willRequest(rounded, m.clock())
		}
		result := s.Bolus(rounded)
		if result.OK() {
			return nil
		}
		return &SetBolusError{Certain: result.Outcome == podcomms.CertainFailure, Err: result.Err}
	})
}

// EnactTempBasal sets a temp basal of rate U/hour, rounded to the pulse size.
// A duration under a second cancels the running temp basal and returns a
// zero dose; longer ones are rounded to whole minutes. The dose is returned
// when the pod may have started it.
func (m *Manager) EnactTempBasal(ctx context.Context, rate float64, duration time.Duration) (dose.Dose, error) {
	rate = m.roundToPulse(rate)
	if duration >= minTempBasalDuration {
		duration = duration.Round(time.Minute)
		if duration < time.Minute {
			return dose.Dose{}, ErrShortTempBasal
		}
	}
	var ret dose.Dose
	err := m.session(ctx, "enactTempBasal", func(s *podcomms.Session) error {
		if duration < minTempBasalDuration {
			status, err := s.CancelDelivery(command.DeliveryTypeTempBasal, command.BeepTypeNoBeep)
			if err != nil {
				return err
			}
			if status.DeliveryStatus.TempBasalRunning() {
				return podcomms.ErrUnfinalizedTempBasal
			}
			m.finalizeDoses(s, status)
			now := m.clock()
			ret = dose.Dose{Type: dose.TempBasal, StartTime: now, EndTime: now, Unit: dose.UnitUnitsPerHour}
			return nil
		}

		status, err := s.GetStatus()
		if err != nil {
			return err
		}
		if status.DeliveryStatus.Suspended() {
			return podcomms.ErrPodSuspended
		}
		if status.DeliveryStatus.TempBasalRunning() {
			status, err = s.CancelDelivery(command.DeliveryTypeTempBasal, command.BeepTypeNoBeep)
			if err != nil {
				return err
			}
			if status.DeliveryStatus.TempBasalRunning() {
				return podcomms.ErrUnfinalizedTempBasal
			}
		}
		m.finalizeDoses(s, status)

		start := m.clock()
		result := s.SetTempBasal(rate, duration, false, 0)
		if result.Outcome == podcomms.CertainFailure {
			return result.Err
		}
		if !result.OK() {
			log.Warnf("Temp basal %.2fU/h may not be running: %v", rate, result.Err)
		}
		ret = dose.NewTempBasal(rate, duration, start, result.OK()).Finalized()
		return nil
	})
	if err != nil {
		return dose.Dose{}, err
	}
	return ret, nil
}

// SetBasalSchedule programs schedule and keeps it for later resumes
func (m *Manager) SetBasalSchedule(ctx context.Context, schedule basal.Schedule) error {
	if err := schedule.Validate(); err != nil {
		return err
	}
	return m.session(ctx, "setBasalSchedule", func(s *podcomms.Session) error {
		status, err := s.SetBasalSchedule(schedule)
		if err != nil {
			return err
		}
		m.finalizeDoses(s, status)
		return nil
	})
}

// SetTimeZone changes the zone used to show pump times
func (m *Manager) SetTimeZone(ctx context.Context, tz *time.Location) error {
	return m.session(ctx, "setTimeZone", func(s *podcomms.Session) error {
		s.UpdateState(func(state *pod.State) {
			state.SetLocation(tz)
		})
		return nil
	})
}

// DeviceTimerDidTick forwards a heartbeat to the sink
func (m *Manager) DeviceTimerDidTick(ctx context.Context) {
	err := m.do(ctx, "heartbeat", func(ctx context.Context) error {
		m.sink.ReportHeartbeat(ctx)
		return nil
	})
	if err != nil {
		log.Debugf("Heartbeat dropped: %v", err)
	}
}

type delegate struct {
	m *Manager
}

// PodStateDidChange runs on the worker, inside the mutation
func (d *delegate) PodStateDidChange(state pod.State) {
	m := d.m
	if m.store != nil {
		if err := m.store.Save(state); err != nil {
			log.Errorf("Could not save pod state: %v", err)
		}
	}

	status := m.statusFrom(state)
	m.statusMtx.Lock()
	changed := !status.equal(m.status)
	m.status = status
	m.statusMtx.Unlock()
	if changed {
		m.observers.each(func(o Observer) {
			o.PumpStatusDidChange(status)
		})
	}

	measurement := state.LastInsulinMeasurements
	if measurement == nil || measurement.ValidTime.Equal(m.lastMeasurement) {
		return
	}
	m.lastMeasurement = measurement.ValidTime
	if measurement.ReservoirVolume == nil {
		return
	}
	reading := ReservoirReading{
		Units: *measurement.ReservoirVolume,
		Time:  measurement.ValidTime,
		Level: clampLevel(*measurement.ReservoirVolume, m.reservoirCapacity),
	}
	m.observers.each(func(o Observer) {
		o.ReservoirVolumeDidChange(reading)
	})
}
