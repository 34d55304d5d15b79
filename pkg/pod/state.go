package pod

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/avereha/podmanager/pkg/basal"
	"github.com/avereha/podmanager/pkg/dose"
)

// Key is binary key material, stored as hex
type Key []byte

func (k Key) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(k)), nil
}

func (k *Key) UnmarshalText(text []byte) error {
	data, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	*k = data
	return nil
}

type InsulinMeasurements struct {
	ValidTime time.Time `toml:"valid_time"`
	Delivered float64   `toml:"delivered"`
	// ReservoirVolume is nil while the pod only reports "above 50U"
	ReservoirVolume *float64 `toml:"reservoir_volume,omitempty"`
}

// State is everything the controller remembers about its pod
type State struct {
	Address      uint32 `toml:"address"`
	ControllerID uint32 `toml:"controller_id"`
	TimeZone     string `toml:"time_zone"`

	// TimeZoneOffset is set, in seconds east of UTC, for zones the tz database doesn't know
	TimeZoneOffset *int `toml:"time_zone_offset,omitempty"`

	PIVersion string `toml:"pi_version,omitempty"`
	PMVersion string `toml:"pm_version,omitempty"`
	Lot       uint32 `toml:"lot,omitempty"`
	TID       uint32 `toml:"tid,omitempty"`

	LTK       Key    `toml:"ltk,omitempty"`
	EapAkaSeq uint64 `toml:"eap_aka_seq"`
	MsgSeq    uint8  `toml:"msg_seq"`

	ActivationTime time.Time       `toml:"activation_time"`
	BasalSchedule  *basal.Schedule `toml:"basal_schedule,omitempty"`

	Suspended            bool                  `toml:"suspended"`
	UnfinalizedBolus     *dose.UnfinalizedDose `toml:"unfinalized_bolus,omitempty"`
	UnfinalizedTempBasal *dose.UnfinalizedDose `toml:"unfinalized_temp_basal,omitempty"`
	// FinalizedDoses are over but not yet taken by the host
	FinalizedDoses          []dose.Dose          `toml:"finalized_doses,omitempty"`
	LastInsulinMeasurements *InsulinMeasurements `toml:"last_insulin_measurements,omitempty"`
}

func NewState(address uint32, tz *time.Location) State {
	ret := State{Address: address}
	ret.SetLocation(tz)
	return ret
}

// SetLocation stores tz by name, plus its offset when the name alone can't be loaded back
func (s *State) SetLocation(tz *time.Location) {
	s.TimeZone = tz.String()
	s.TimeZoneOffset = nil
	if _, err := time.LoadLocation(s.TimeZone); err != nil {
		_, offset := time.Now().In(tz).Zone()
		s.TimeZoneOffset = &offset
	}
}

// Location falls back to UTC when the stored zone is unknown
func (s State) Location() *time.Location {
	if s.TimeZoneOffset != nil {
		return time.FixedZone(s.TimeZone, *s.TimeZoneOffset)
	}
	loc, err := time.LoadLocation(s.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ID is the address as sent on the wire
func (s State) ID() []byte {
	return []byte{byte(s.Address >> 24), byte(s.Address >> 16), byte(s.Address >> 8), byte(s.Address)}
}

func (s State) ControllerIDBytes() []byte {
	c := s.ControllerID
	return []byte{byte(c >> 24), byte(c >> 16), byte(c >> 8), byte(c)}
}

// PendingDoses lists the unfinalized doses, bolus first
func (s State) PendingDoses() []dose.UnfinalizedDose {
	var ret []dose.UnfinalizedDose
	if s.UnfinalizedBolus != nil {
		ret = append(ret, *s.UnfinalizedBolus)
	}
	if s.UnfinalizedTempBasal != nil {
		ret = append(ret, *s.UnfinalizedTempBasal)
	}
	return ret
}

// Clone returns a copy that shares nothing mutable with s
func (s State) Clone() State {
	ret := s
	ret.LTK = append(Key(nil), s.LTK...)
	if s.TimeZoneOffset != nil {
		offset := *s.TimeZoneOffset
		ret.TimeZoneOffset = &offset
	}
	if s.BasalSchedule != nil {
		schedule := basal.NewSchedule(s.BasalSchedule.Entries)
		ret.BasalSchedule = &schedule
	}
	if s.UnfinalizedBolus != nil {
		d := *s.UnfinalizedBolus
		ret.UnfinalizedBolus = &d
	}
	if s.UnfinalizedTempBasal != nil {
		d := *s.UnfinalizedTempBasal
		ret.UnfinalizedTempBasal = &d
	}
	if s.FinalizedDoses != nil {
		ret.FinalizedDoses = append([]dose.Dose(nil), s.FinalizedDoses...)
	}
	if s.LastInsulinMeasurements != nil {
		m := *s.LastInsulinMeasurements
		if m.ReservoirVolume != nil {
			v := *m.ReservoirVolume
			m.ReservoirVolume = &v
		}
		ret.LastInsulinMeasurements = &m
	}
	return ret
}

func (s State) String() string {
	return fmt.Sprintf("pod %08x suspended=%v bolus=%v tempBasal=%v", s.Address, s.Suspended, s.UnfinalizedBolus != nil, s.UnfinalizedTempBasal != nil)
}
