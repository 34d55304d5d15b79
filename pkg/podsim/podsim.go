package podsim

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/avereha/podmanager/pkg/basal"
	"github.com/avereha/podmanager/pkg/command"
	"github.com/avereha/podmanager/pkg/response"
	"github.com/avereha/podmanager/pkg/transport"

	"github.com/davecgh/go-spew/spew"
	log "github.com/sirupsen/logrus"
)

const defaultReservoir = 200.0

// Fault is a one-shot failure applied to the next command block
type Fault int

const (
	NoFault Fault = iota
	// FailBeforeSend drops the block before the pod sees it
	FailBeforeSend
	// DropResponse applies the block and loses the answer
	DropResponse
	// CorruptResponse applies the block and garbles the answer's CRC
	CorruptResponse
	// RejectCommand answers with an error response without applying the block
	RejectCommand
	// IgnoreCancel acknowledges StopDelivery without stopping anything
	IgnoreCancel
)

type bolus struct {
	start    time.Time
	pulses   uint16
	interval time.Duration
}

type tempBasal struct {
	start    time.Time
	rate     float64
	duration time.Duration
}

// Pod simulates the delivery side of a pod well enough to drive the controller
type Pod struct {
	mtx   sync.Mutex
	clock func() time.Time

	progress   response.PodProgress
	activation time.Time
	lastUpdate time.Time
	suspended  bool
	schedule   *basal.Schedule
	bolus      *bolus
	tempBasal  *tempBasal
	delivered  float64 // U
	reservoir  float64 // U
	lastSeq    uint8
	faults     []Fault

	link *secureLink
}

type Option func(*Pod)

func WithClock(clock func() time.Time) Option {
	return func(p *Pod) {
		p.clock = clock
	}
}

func WithReservoir(units float64) Option {
	return func(p *Pod) {
		p.reservoir = units
	}
}

// WithSchedule starts the pod running scheduled basal
func WithSchedule(schedule basal.Schedule) Option {
	return func(p *Pod) {
		p.schedule = &schedule
	}
}

func Suspended() Option {
	return func(p *Pod) {
		p.suspended = true
	}
}

func New(opts ...Option) *Pod {
	ret := &Pod{
		clock:     time.Now,
		progress:  response.PodProgressRunningAbove50U,
		reservoir: defaultReservoir,
	}
	for _, opt := range opts {
		opt(ret)
	}
	ret.activation = ret.clock()
	ret.lastUpdate = ret.activation
	return ret
}

// InjectFault queues a failure for one of the next command blocks
func (p *Pod) InjectFault(f Fault) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.faults = append(p.faults, f)
}

func (p *Pod) nextFault() Fault {
	if len(p.faults) == 0 {
		return NoFault
	}
	f := p.faults[0]
	p.faults = p.faults[1:]
	return f
}

func (p *Pod) SendAndReceive(ctx context.Context, data []byte) ([]byte, error) {
	if len(data) >= 2 && string(data[:2]) == "TW" {
		return p.handleMessage(ctx, data)
	}
	return p.handleBlock(ctx, data)
}

func (p *Pod) handleBlock(ctx context.Context, data []byte) ([]byte, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	fault := p.nextFault()
	if fault == FailBeforeSend {
		return nil, &transport.Error{Op: "send", Err: transport.ErrNotConnected}
	}
	block, err := command.Unmarshal(data)
	if err != nil {
		return nil, &transport.Error{Op: "receive", Sent: true, Err: err}
	}
	log.Debugf("podsim: %s", spew.Sdump(block.Commands))

	now := p.clock()
	p.advance(now)

	rsp := &response.Block{ID: block.ID, Seq: (block.Seq + 1) & 0x0f}
	if fault == RejectCommand {
		rsp.Responses = []response.Response{&response.ErrorResponse{Code: response.ErrorInvalidCommand}}
	} else if rejection := p.apply(now, block, fault == IgnoreCancel); rejection != nil {
		rsp.Responses = []response.Response{rejection}
	} else if detailed(block) {
		rsp.Responses = []response.Response{p.detailedStatus(now)}
	} else {
		rsp.Responses = []response.Response{p.status(now)}
	}

	ret, err := rsp.Marshal()
	if err != nil {
		return nil, err
	}
	switch fault {
	case DropResponse:
		return nil, &transport.Error{Op: "receive", Sent: true, Err: transport.ErrTimeout}
	case CorruptResponse:
		ret[len(ret)-1] ^= 0xff
	}
	return ret, nil
}

func detailed(block *command.Block) bool {
	for _, cmd := range block.Commands {
		if g, ok := cmd.(*command.GetStatus); ok && g.StatusType == command.StatusTypeDetailed {
			return true
		}
	}
	return false
}

// apply runs the commands of block, all or nothing
func (p *Pod) apply(now time.Time, block *command.Block, ignoreCancel bool) *response.ErrorResponse {
	if block.MutatesPodState() {
		p.lastSeq = block.Seq
	}
	for i := 0; i < len(block.Commands); i++ {
		switch cmd := block.Commands[i].(type) {
		case *command.GetStatus:
		case *command.StopDelivery:
			if !ignoreCancel {
				p.stop(cmd.DeliveryType)
			}
		case *command.ProgramInsulin:
			if i+1 >= len(block.Commands) {
				return &response.ErrorResponse{Code: response.ErrorInvalidCommand}
			}
			i++
			if rejection := p.program(now, cmd.Table, block.Commands[i]); rejection != nil {
				return rejection
			}
		default:
			return &response.ErrorResponse{Code: response.ErrorInvalidCommand}
		}
	}
	return nil
}

func (p *Pod) stop(kind command.DeliveryType) {
	if kind&command.DeliveryTypeBolus != 0 {
		p.bolus = nil
	}
	if kind&command.DeliveryTypeTempBasal != 0 {
		p.tempBasal = nil
	}
	if kind&command.DeliveryTypeBasal != 0 {
		p.suspended = true
	}
}

func (p *Pod) program(now time.Time, table command.InsulinTable, cmd command.Command) *response.ErrorResponse {
	switch c := cmd.(type) {
	case *command.ProgramBasal:
		if table != command.InsulinTableBasal {
			break
		}
		schedule := c.Schedule
		p.schedule = &schedule
		p.suspended = false
		return nil
	case *command.ProgramTempBasal:
		if table != command.InsulinTableTempBasal {
			break
		}
		if p.suspended {
			return &response.ErrorResponse{Code: response.ErrorPodSuspended}
		}
		p.tempBasal = &tempBasal{start: now, rate: c.Rate, duration: c.Duration}
		return nil
	case *command.ProgramBolus:
		if table != command.InsulinTableBolus {
			break
		}
		if p.suspended {
			return &response.ErrorResponse{Code: response.ErrorPodSuspended}
		}
		if p.bolus != nil {
			return &response.ErrorResponse{Code: response.ErrorBolusActive}
		}
		p.bolus = &bolus{start: now, pulses: c.Pulses, interval: c.Interval}
		return nil
	}
	return &response.ErrorResponse{Code: response.ErrorInvalidCommand, Detail: uint16(cmd.GetType())}
}

func (b *bolus) deliveredPulses(now time.Time) uint16 {
	if b.interval <= 0 {
		return b.pulses
	}
	n := now.Sub(b.start) / b.interval
	if n >= time.Duration(b.pulses) {
		return b.pulses
	}
	return uint16(n)
}

// advance accounts for the insulin delivered since the last request
func (p *Pod) advance(now time.Time) {
	elapsed := now.Sub(p.lastUpdate)
	if elapsed <= 0 {
		return
	}
	if !p.suspended {
		rate := 0.0
		if p.tempBasal != nil {
			rate = p.tempBasal.rate
		} else if p.schedule != nil {
			rate = p.schedule.RateAt(offsetOfDay(now))
		}
		p.deliver(rate * elapsed.Hours())
	}
	if p.tempBasal != nil && !now.Before(p.tempBasal.start.Add(p.tempBasal.duration)) {
		p.tempBasal = nil
	}
	if p.bolus != nil {
		before := p.bolus.deliveredPulses(p.lastUpdate)
		after := p.bolus.deliveredPulses(now)
		p.deliver(float64(after-before) * command.PulseSize)
		if after == p.bolus.pulses {
			p.bolus = nil
		}
	}
	p.lastUpdate = now
}

func (p *Pod) deliver(units float64) {
	units = math.Min(units, p.reservoir)
	p.reservoir -= units
	p.delivered += units
}

func offsetOfDay(t time.Time) time.Duration {
	y, m, d := t.Date()
	return t.Sub(time.Date(y, m, d, 0, 0, 0, 0, t.Location()))
}

func (p *Pod) deliveryStatus() response.DeliveryStatus {
	var ret response.DeliveryStatus
	if !p.suspended {
		if p.tempBasal != nil {
			ret |= response.DeliveryTempBasal
		} else {
			ret |= response.DeliveryBasal
		}
	}
	if p.bolus != nil {
		ret |= response.DeliveryBolus
	}
	return ret
}

func toPulses(units float64) uint16 {
	return uint16(math.Round(units / response.PulseSize))
}

func (p *Pod) status(now time.Time) *response.StatusResponse {
	progress := p.progress
	reservoir := toPulses(p.reservoir)
	if p.reservoir > 50 {
		reservoir = 0x3ff
	} else if progress == response.PodProgressRunningAbove50U {
		progress = response.PodProgressRunningBelow50U
	}
	var remaining uint16
	if p.bolus != nil {
		remaining = p.bolus.pulses - p.bolus.deliveredPulses(now)
	}
	return &response.StatusResponse{
		DeliveryStatus: p.deliveryStatus(),
		PodProgress:    progress,
		Delivered:      toPulses(p.delivered),
		LastProgSeqNum: p.lastSeq,
		BolusRemaining: remaining,
		MinutesActive:  uint16(now.Sub(p.activation) / time.Minute),
		Reservoir:      reservoir,
	}
}

func (p *Pod) detailedStatus(now time.Time) *response.DetailedStatusResponse {
	s := p.status(now)
	return &response.DetailedStatusResponse{
		PodProgress:    s.PodProgress,
		DeliveryStatus: s.DeliveryStatus,
		BolusRemaining: s.BolusRemaining,
		LastProgSeqNum: s.LastProgSeqNum,
		Delivered:      s.Delivered,
		Reservoir:      toPulses(p.reservoir),
		MinutesActive:  s.MinutesActive,
		Alerts:         s.Alerts,
	}
}

// Snapshot is what the simulated pod is doing, for tests and the CLI
type Snapshot struct {
	Suspended      bool
	Bolusing       bool
	TempBasal      bool
	TempBasalRate  float64
	Delivered      float64
	Reservoir      float64
	ScheduledBasal bool
}

func (p *Pod) Snapshot() Snapshot {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.advance(p.clock())
	ret := Snapshot{
		Suspended:      p.suspended,
		Bolusing:       p.bolus != nil,
		TempBasal:      p.tempBasal != nil,
		Delivered:      p.delivered,
		Reservoir:      p.reservoir,
		ScheduledBasal: p.schedule != nil,
	}
	if p.tempBasal != nil {
		ret.TempBasalRate = p.tempBasal.rate
	}
	return ret
}

func (s Snapshot) String() string {
	return fmt.Sprintf("suspended=%v bolusing=%v tempBasal=%v delivered=%.2fU reservoir=%.2fU", s.Suspended, s.Bolusing, s.TempBasal, s.Delivered, s.Reservoir)
}
