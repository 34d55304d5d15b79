package podcomms

import (
	"context"
	"sync"
	"time"

	"github.com/avereha/podmanager/pkg/command"
	"github.com/avereha/podmanager/pkg/dose"
	"github.com/avereha/podmanager/pkg/pod"
	"github.com/avereha/podmanager/pkg/response"
	"github.com/avereha/podmanager/pkg/transport"

	"github.com/davecgh/go-spew/spew"
	log "github.com/sirupsen/logrus"
)

// Delegate is told about every state change, synchronously, in order
type Delegate interface {
	PodStateDidChange(state pod.State)
}

// PodComms owns the link to one pod and the state that goes with it
type PodComms struct {
	mtx        sync.Mutex // held for the whole session
	transport  transport.Transport
	stateMtx   sync.Mutex // guards writes to state and reads from outside sessions
	state      pod.State
	delegate   Delegate
	reconciler *dose.Reconciler
	clock      func() time.Time
}

type Option func(*PodComms)

func WithClock(clock func() time.Time) Option {
	return func(p *PodComms) {
		p.clock = clock
	}
}

func New(state pod.State, t transport.Transport, delegate Delegate, reconciler *dose.Reconciler, opts ...Option) *PodComms {
	ret := &PodComms{
		transport:  t,
		state:      state.Clone(),
		delegate:   delegate,
		reconciler: reconciler,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// RunSession gives fn exclusive use of the pod until it returns
func (p *PodComms) RunSession(ctx context.Context, name string, fn func(*Session) error) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	log.Debugf("Session %s: start", name)
	s := &Session{ctx: ctx, name: name, comms: p}
	err := fn(s)
	if err != nil {
		log.Infof("Session %s: %v", name, err)
	} else {
		log.Debugf("Session %s: done", name)
	}
	return err
}

func (p *PodComms) updateState(fn func(*pod.State)) {
	p.stateMtx.Lock()
	fn(&p.state)
	state := p.state.Clone()
	p.stateMtx.Unlock()
	if p.delegate != nil {
		p.delegate.PodStateDidChange(state)
	}
}

// exchange sends one command block and returns the pod's answer. The block
// sequence advances whenever the block may have reached the pod.
func (p *PodComms) exchange(ctx context.Context, cmds ...command.Command) (*response.Block, error) {
	block := &command.Block{
		ID:       p.state.ID(),
		Seq:      p.state.MsgSeq,
		Commands: cmds,
	}
	data, err := block.Marshal()
	if err != nil {
		return nil, &CommsError{Err: err}
	}
	rsp, err := p.transport.SendAndReceive(ctx, data)
	if err != nil {
		sent := transport.WasSent(err)
		if sent {
			p.updateState(func(s *pod.State) { s.MsgSeq = (s.MsgSeq + 1) & 0x0f })
		}
		return nil, &CommsError{Sent: sent, Err: err}
	}
	p.updateState(func(s *pod.State) { s.MsgSeq = (s.MsgSeq + 2) & 0x0f })

	ret, err := response.Unmarshal(rsp)
	if err != nil {
		return nil, &CommsError{Sent: true, Err: err}
	}
	log.Debugf("Response: %s", spew.Sdump(ret.Responses))
	if rejection, ok := ret.Rejection(); ok {
		return nil, &PodError{Code: rejection.Code, Detail: rejection.Detail}
	}
	return ret, nil
}

func (p *PodComms) exchangeForStatus(ctx context.Context, cmds ...command.Command) (*response.StatusResponse, error) {
	rsp, err := p.exchange(ctx, cmds...)
	if err != nil {
		return nil, err
	}
	status, ok := rsp.Status()
	if !ok {
		return nil, &CommsError{Sent: true, Err: ErrNoStatus}
	}
	p.updateState(func(s *pod.State) {
		measurements := &pod.InsulinMeasurements{
			ValidTime:       p.clock(),
			Delivered:       status.InsulinDelivered(),
			ReservoirVolume: status.ReservoirLevel(),
		}
		s.LastInsulinMeasurements = measurements
		s.Suspended = status.DeliveryStatus.Suspended()
	})
	return status, nil
}

// State returns a copy of the current state
func (p *PodComms) State() pod.State {
	p.stateMtx.Lock()
	defer p.stateMtx.Unlock()
	return p.state.Clone()
}
