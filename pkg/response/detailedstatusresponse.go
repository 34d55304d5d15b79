package response

import (
	"encoding/binary"
	"fmt"
)

const detailedStatusLength = 0x16

// DetailedStatusResponse answers a type 2 status request
// OFF 1  2  3  4  5 6  7  8 9 10 1112 1314 1516 17 18 19 20 21 2223
// 02 16 02 0J 0K LLLL MM NNNN PP QQQQ RRRR SSSS TT UU VV WW XX YYYY
type DetailedStatusResponse struct {
	PodProgress    PodProgress
	DeliveryStatus DeliveryStatus
	BolusRemaining uint16
	LastProgSeqNum uint8
	Delivered      uint16
	FaultEvent     uint8
	FaultEventTime uint16
	Reservoir      uint16
	MinutesActive  uint16
	Alerts         uint8
}

func (r *DetailedStatusResponse) GetType() Type {
	return DETAILED_STATUS
}

func (r *DetailedStatusResponse) Marshal() ([]byte, error) {
	response := make([]byte, detailedStatusLength+2)
	response[0] = byte(DETAILED_STATUS)
	response[1] = detailedStatusLength
	response[2] = 0x02
	response[3] = byte(r.PodProgress)
	response[4] = byte(r.DeliveryStatus & 0x0f)
	binary.BigEndian.PutUint16(response[5:], r.BolusRemaining)
	response[7] = r.LastProgSeqNum
	binary.BigEndian.PutUint16(response[8:], r.Delivered)
	response[10] = r.FaultEvent
	binary.BigEndian.PutUint16(response[11:], r.FaultEventTime)
	reservoir := r.Reservoir
	if reservoir > reservoirAboveThreshold {
		reservoir = reservoirAboveThreshold
	}
	binary.BigEndian.PutUint16(response[13:], reservoir)
	binary.BigEndian.PutUint16(response[15:], r.MinutesActive)
	response[17] = r.Alerts
	// TODO: fill the remaining fault detail bytes (18-23) once faults are simulated
	return response, nil
}

func UnmarshalDetailedStatusResponse(data []byte) (*DetailedStatusResponse, error) {
	if len(data) != detailedStatusLength+2 || Type(data[0]) != DETAILED_STATUS || data[2] != 0x02 {
		return nil, fmt.Errorf("invalid detailed status response: %x", data)
	}
	return &DetailedStatusResponse{
		PodProgress:    PodProgress(data[3]),
		DeliveryStatus: DeliveryStatus(data[4] & 0x0f),
		BolusRemaining: binary.BigEndian.Uint16(data[5:]),
		LastProgSeqNum: data[7],
		Delivered:      binary.BigEndian.Uint16(data[8:]),
		FaultEvent:     data[10],
		FaultEventTime: binary.BigEndian.Uint16(data[11:]),
		Reservoir:      binary.BigEndian.Uint16(data[13:]) & 0x03ff,
		MinutesActive:  binary.BigEndian.Uint16(data[15:]),
		Alerts:         data[17],
	}, nil
}

func (r *DetailedStatusResponse) IsFaulted() bool {
	return r.FaultEvent != 0 || r.PodProgress == PodProgressFault
}

// StatusResponse narrows the detailed status to the fields of a 0x1d status
func (r *DetailedStatusResponse) StatusResponse() *StatusResponse {
	return &StatusResponse{
		DeliveryStatus: r.DeliveryStatus,
		PodProgress:    r.PodProgress,
		Delivered:      r.Delivered,
		LastProgSeqNum: r.LastProgSeqNum,
		BolusRemaining: r.BolusRemaining,
		Alerts:         r.Alerts,
		MinutesActive:  r.MinutesActive,
		Reservoir:      r.Reservoir,
	}
}
