package command

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// PulseSize is the volume of one pulse, in U
	PulseSize = 0.05
	// BolusPulseInterval gives the 0.025 U/s immediate bolus rate
	BolusPulseInterval = 2 * time.Second
	maxBolusPulses     = 600 // 30U
)

// ProgramBolus
//
//	byte# 0001 02
//	      PPPP II
//
// PPPP is the pulse count, II the seconds between pulses
type ProgramBolus struct {
	Pulses   uint16
	Interval time.Duration
}

// NewSetBolus returns the command pair that starts an immediate bolus
func NewSetBolus(units float64) ([]Command, error) {
	pulses := math.Round(units / PulseSize)
	if pulses <= 0 || pulses > maxBolusPulses {
		return nil, fmt.Errorf("bolus out of range: %vU", units)
	}
	return []Command{
		&ProgramInsulin{Table: InsulinTableBolus},
		&ProgramBolus{Pulses: uint16(pulses), Interval: BolusPulseInterval},
	}, nil
}

func UnmarshalProgramBolus(data []byte) (*ProgramBolus, error) {
	if len(data) != 3 {
		return nil, fmt.Errorf("invalid ProgramBolus payload: %x", data)
	}
	log.Debugf("ProgramBolus, 0x17, received, data %x", data)
	return &ProgramBolus{
		Pulses:   binary.BigEndian.Uint16(data[:2]),
		Interval: time.Duration(data[2]) * time.Second,
	}, nil
}

// Units is the bolus volume in U
func (g *ProgramBolus) Units() float64 {
	return float64(g.Pulses) * PulseSize
}

func (g *ProgramBolus) GetPayload() Payload {
	ret := make(Payload, 3)
	binary.BigEndian.PutUint16(ret[:2], g.Pulses)
	ret[2] = byte(g.Interval / time.Second)
	return ret
}

func (g *ProgramBolus) GetType() Type {
	return PROGRAM_BOLUS
}

func (g *ProgramBolus) DoesMutatePodState() bool {
	return true
}
