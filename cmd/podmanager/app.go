package main

import (
	"context"
	"fmt"

	"github.com/avereha/podmanager/pkg/config"
	"github.com/avereha/podmanager/pkg/dose"
	"github.com/avereha/podmanager/pkg/eap"
	"github.com/avereha/podmanager/pkg/encrypt"
	"github.com/avereha/podmanager/pkg/manager"
	"github.com/avereha/podmanager/pkg/nightscout"
	"github.com/avereha/podmanager/pkg/pod"
	"github.com/avereha/podmanager/pkg/podsim"
	"github.com/avereha/podmanager/pkg/transport"

	log "github.com/sirupsen/logrus"
)

type app struct {
	cfg      *config.Config
	store    *pod.Store
	simulate bool

	sim     *podsim.Pod
	bridge  *transport.Bridge
	manager *manager.Manager
}

func (a *app) init(cfg *config.Config, simulate bool) error {
	a.cfg = cfg
	a.store = pod.NewStore(cfg.StateFile)
	a.simulate = simulate
	return nil
}

// link is the plain connection to the pod; the simulated pod starts from state when there is one
func (a *app) link(state *pod.State) transport.Transport {
	if a.simulate {
		if a.sim == nil {
			var opts []podsim.Option
			if state != nil {
				if len(state.LTK) > 0 {
					opts = append(opts, podsim.WithLTK(state.LTK))
				}
				if state.BasalSchedule != nil {
					opts = append(opts, podsim.WithSchedule(*state.BasalSchedule))
				}
				if state.Suspended {
					opts = append(opts, podsim.Suspended())
				}
			}
			a.sim = podsim.New(opts...)
		}
		return a.sim
	}
	if a.bridge == nil {
		a.bridge = transport.NewBridge(a.cfg.Bridge.Address, a.cfg.Bridge.Timeout)
	}
	return a.bridge
}

// secure starts a new encrypted session when the pod is paired. The
// EAP-AKA sequence is saved before the session is used.
func (a *app) secure(ctx context.Context, state *pod.State, link transport.Transport) (transport.Transport, error) {
	if len(state.LTK) == 0 {
		return link, nil
	}
	session, err := eap.Establish(ctx, link, state.LTK, state.ControllerIDBytes(), state.ID(), state.EapAkaSeq+1)
	if err != nil {
		return nil, fmt.Errorf("establish session: %w", err)
	}
	state.EapAkaSeq = session.Sqn
	if err := a.store.Save(*state); err != nil {
		return nil, err
	}
	cipher, err := encrypt.NewCipher(encrypt.Controller, session.CK, session.NoncePrefix, 0)
	if err != nil {
		return nil, err
	}
	return encrypt.NewSecureTransport(link, cipher, state.ControllerIDBytes(), state.ID()), nil
}

func (a *app) sink() manager.Sink {
	if a.cfg.Nightscout.URL != "" {
		return nightscout.NewClient(a.cfg.Nightscout.URL, a.cfg.Nightscout.APISecret)
	}
	return logSink{}
}

// openManager loads the pod state and starts a manager on it. With
// connect false no session is established, for commands that only read state.
func (a *app) openManager(ctx context.Context, connect bool) (*manager.Manager, error) {
	state, err := a.store.Load()
	if err != nil {
		if pod.IsNotExist(err) {
			return nil, fmt.Errorf("no pod state in %s, pair a pod first", a.store.Filename())
		}
		return nil, fmt.Errorf("load pod state: %w", err)
	}
	t := a.link(state)
	if connect {
		t, err = a.secure(ctx, state, t)
		if err != nil {
			return nil, err
		}
	}
	m, err := manager.New(*state, t, a.sink(),
		manager.WithPulseSize(a.cfg.Pump.PulseSize),
		manager.WithReservoirCapacity(a.cfg.Pump.ReservoirCapacity),
		manager.WithFreshness(a.cfg.Pump.Freshness),
		manager.WithConnection(manager.Connection{Address: a.cfg.Bridge.Address, Timeout: a.cfg.Bridge.Timeout}),
		manager.WithStateStore(a.store),
	)
	if err != nil {
		return nil, err
	}
	a.manager = m
	return m, nil
}

func (a *app) close() {
	if a.manager != nil {
		a.manager.Close()
		a.manager = nil
	}
	if a.bridge != nil {
		a.bridge.Close()
		a.bridge = nil
	}
	if a.sim != nil {
		log.Debugf("Simulated pod: %s", a.sim.Snapshot())
	}
}

// logSink stands in for Nightscout when no url is configured
type logSink struct{}

func (logSink) ReportDoses(ctx context.Context, doses []dose.Dose) error {
	for _, d := range doses {
		log.Infof("Dose: %s %.2f%s from %s to %s", d.Type, d.Value, d.Unit, d.StartTime.Format("15:04:05"), d.EndTime.Format("15:04:05"))
	}
	return nil
}

func (logSink) ReportStatusUpdate(ctx context.Context, status manager.Status) error {
	log.Infof("Pump status: suspended=%v bolusing=%v tempBasal=%v", status.IsSuspended, status.IsBolusing, status.IsTempBasalRunning)
	return nil
}

func (logSink) ReportHeartbeat(ctx context.Context) {
	log.Debugf("Heartbeat")
}
