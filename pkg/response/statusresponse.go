package response

import (
	"encoding/binary"
	"fmt"
	"strings"
)

type PodProgress int8

const (
	PodProgressInitial                = 0
	PodProgressMemoryInitialized      = 1
	PodProgressReminderInitialized    = 2
	PodProgressPairingCompleted       = 3
	PodProgressPriming                = 4
	PodProgressPrimingCompleted       = 5
	PodProgressBasalInitialized       = 6
	PodProgressInsertingCannula       = 7
	PodProgressRunningAbove50U        = 8
	PodProgressRunningBelow50U        = 9
	PodProgressFault                  = 13
	PodProgressActivationTimeExceeded = 14
	PodProgressPodInactive            = 15
)

// DeliveryStatus is a set of flags, not an exclusive state: a pod can run a
// temp basal and a bolus at the same time.
type DeliveryStatus uint8

const (
	DeliveryBasal DeliveryStatus = 1 << iota
	DeliveryTempBasal
	DeliveryBolus
	DeliveryExtendedBolus
)

// Suspended means neither the scheduled basal nor a temp basal is running
func (d DeliveryStatus) Suspended() bool {
	return d&(DeliveryBasal|DeliveryTempBasal) == 0
}

func (d DeliveryStatus) TempBasalRunning() bool {
	return d&DeliveryTempBasal != 0
}

func (d DeliveryStatus) Bolusing() bool {
	return d&(DeliveryBolus|DeliveryExtendedBolus) != 0
}

func (d DeliveryStatus) String() string {
	if d.Suspended() && !d.Bolusing() {
		return "suspended"
	}
	var parts []string
	if d&DeliveryBasal != 0 {
		parts = append(parts, "basal")
	}
	if d.TempBasalRunning() {
		parts = append(parts, "tempBasal")
	}
	if d&DeliveryBolus != 0 {
		parts = append(parts, "bolus")
	}
	if d&DeliveryExtendedBolus != 0 {
		parts = append(parts, "extendedBolus")
	}
	return strings.Join(parts, "+")
}

const (
	statusLength = 10

	// PulseSize is the volume of one pod pulse, in U
	PulseSize = 0.05
	// reservoir readings at or above this many pulses mean "more than 50U"
	reservoirAboveThreshold = 0x3ff
)

// StatusResponse is the 0x1d status the pod appends to most responses
//        byte# 00 01 02 03 04 05 06070809
//              1d DP PP PP SN NN AATTTTRR
// 0PPPSNNN dword = 0000 pppp pppp pppp psss snnn nnnn nnnn
// AATTTTRR dword = 0aaa aaaa attt tttt tttt ttrr rrrr rrrr
type StatusResponse struct {
	DeliveryStatus DeliveryStatus
	PodProgress    PodProgress
	Delivered      uint16 // pulses
	LastProgSeqNum uint8
	BolusRemaining uint16 // pulses
	Alerts         uint8
	MinutesActive  uint16
	Reservoir      uint16 // pulses, 0x3ff when above 50U
}

func (r *StatusResponse) GetType() Type {
	return STATUS
}

func (r *StatusResponse) Marshal() ([]byte, error) {
	response := make([]byte, statusLength)
	response[0] = byte(STATUS)
	response[1] = byte(r.DeliveryStatus&0x0f)<<4 | byte(r.PodProgress)&0x0f

	var pssn uint32
	pssn |= uint32(r.Delivered&0x1fff) << 15
	pssn |= uint32(r.LastProgSeqNum&0x0f) << 11
	pssn |= uint32(r.BolusRemaining & 0x07ff)
	binary.BigEndian.PutUint32(response[2:6], pssn)

	reservoir := r.Reservoir
	if reservoir > reservoirAboveThreshold {
		reservoir = reservoirAboveThreshold
	}
	var aatr uint32
	aatr |= uint32(r.Alerts) << 23
	aatr |= uint32(r.MinutesActive&0x1fff) << 10
	aatr |= uint32(reservoir)
	binary.BigEndian.PutUint32(response[6:10], aatr)

	return response, nil
}

func UnmarshalStatusResponse(data []byte) (*StatusResponse, error) {
	if len(data) != statusLength || Type(data[0]) != STATUS {
		return nil, fmt.Errorf("invalid status response: %x", data)
	}
	pssn := binary.BigEndian.Uint32(data[2:6])
	aatr := binary.BigEndian.Uint32(data[6:10])
	return &StatusResponse{
		DeliveryStatus: DeliveryStatus(data[1] >> 4),
		PodProgress:    PodProgress(data[1] & 0x0f),
		Delivered:      uint16(pssn>>15) & 0x1fff,
		LastProgSeqNum: uint8(pssn>>11) & 0x0f,
		BolusRemaining: uint16(pssn) & 0x07ff,
		Alerts:         uint8(aatr >> 23),
		MinutesActive:  uint16(aatr>>10) & 0x1fff,
		Reservoir:      uint16(aatr) & 0x03ff,
	}, nil
}

// ReservoirLevel returns the reservoir volume in U, or nil when the pod only
// reports "above 50U"
func (r *StatusResponse) ReservoirLevel() *float64 {
	if r.Reservoir >= reservoirAboveThreshold {
		return nil
	}
	level := float64(r.Reservoir) * PulseSize
	return &level
}

func (r *StatusResponse) InsulinDelivered() float64 {
	return float64(r.Delivered) * PulseSize
}

func (r *StatusResponse) BolusNotDelivered() float64 {
	return float64(r.BolusRemaining) * PulseSize
}
