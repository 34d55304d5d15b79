package manager

import (
	"fmt"
	"math"
	"time"

	"github.com/avereha/podmanager/pkg/pod"
)

// Device describes the pump to the host. It never changes for a given pod.
type Device struct {
	Name            string
	Manufacturer    string
	Model           string
	FirmwareVersion string
	LocalIdentifier string
}

func newDevice(state pod.State) Device {
	return Device{
		Name:            "Omnipod",
		Manufacturer:    "Insulet",
		Model:           "Dash",
		FirmwareVersion: state.PIVersion,
		LocalIdentifier: fmt.Sprintf("%04X", state.Address&0xffff),
	}
}

// Status is an immutable snapshot of what the host shows about the pump
type Status struct {
	TimeZone           string
	Device             Device
	IsSuspended        bool
	IsBolusing         bool
	IsTempBasalRunning bool
	// ReservoirLevel is nil while the pod reports more than 50U left
	ReservoirLevel *float64
}

func (s Status) equal(o Status) bool {
	if s.TimeZone != o.TimeZone || s.Device != o.Device || s.IsSuspended != o.IsSuspended ||
		s.IsBolusing != o.IsBolusing || s.IsTempBasalRunning != o.IsTempBasalRunning {
		return false
	}
	if s.ReservoirLevel == nil || o.ReservoirLevel == nil {
		return s.ReservoirLevel == o.ReservoirLevel
	}
	return *s.ReservoirLevel == *o.ReservoirLevel
}

// ReservoirReading is a new insulin measurement from the pod
type ReservoirReading struct {
	Units float64
	Time  time.Time
	// Level is Units over the reservoir capacity, clamped to [0, 1]
	Level float64
}

func clampLevel(units, capacity float64) float64 {
	if capacity <= 0 {
		return 0
	}
	return math.Max(0, math.Min(1, units/capacity))
}

func (m *Manager) statusFrom(state pod.State) Status {
	ret := Status{
		TimeZone:           state.TimeZone,
		Device:             m.device,
		IsSuspended:        state.Suspended,
		IsBolusing:         state.UnfinalizedBolus != nil && !state.UnfinalizedBolus.IsCancelled(),
		IsTempBasalRunning: state.UnfinalizedTempBasal != nil && !state.UnfinalizedTempBasal.IsCancelled(),
	}
	if state.LastInsulinMeasurements != nil && state.LastInsulinMeasurements.ReservoirVolume != nil {
		level := clampLevel(*state.LastInsulinMeasurements.ReservoirVolume, m.reservoirCapacity)
		ret.ReservoirLevel = &level
	}
	return ret
}
