package command

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// DeliveryType bits match the delivery bits the pod reports in its status
type DeliveryType byte

const (
	DeliveryTypeBasal     DeliveryType = 1
	DeliveryTypeTempBasal DeliveryType = 2
	DeliveryTypeBolus     DeliveryType = 4
	DeliveryTypeAll       DeliveryType = DeliveryTypeBasal | DeliveryTypeTempBasal | DeliveryTypeBolus
)

func (d DeliveryType) String() string {
	switch d {
	case DeliveryTypeBasal:
		return "basal"
	case DeliveryTypeTempBasal:
		return "tempBasal"
	case DeliveryTypeBolus:
		return "bolus"
	case DeliveryTypeAll:
		return "all"
	}
	return fmt.Sprintf("delivery(%03b)", byte(d))
}

type BeepType byte

const (
	BeepTypeNoBeep   BeepType = 0x0
	BeepTypeBeepBeep BeepType = 0x2
	BeepTypeBipBip   BeepType = 0x5
	BeepTypeBeeeeeep BeepType = 0x6
)

// StopDelivery cancels the given delivery types; cancelling DeliveryTypeAll suspends the pod
type StopDelivery struct {
	DeliveryType DeliveryType
	BeepType     BeepType
}

func UnmarshalStopDelivery(data []byte) (*StopDelivery, error) {
	if len(data) != 1 {
		return nil, fmt.Errorf("invalid StopDelivery payload: %x", data)
	}
	log.Debugf("StopDelivery, 0x1f, received, data 0x%x", data)
	return &StopDelivery{
		DeliveryType: DeliveryType(data[0] & 0x0f),
		BeepType:     BeepType(data[0] >> 4),
	}, nil
}

func (g *StopDelivery) GetType() Type {
	return STOP_DELIVERY
}

func (g *StopDelivery) GetPayload() Payload {
	return Payload{byte(g.BeepType)<<4 | byte(g.DeliveryType)&0x0f}
}

func (g *StopDelivery) DoesMutatePodState() bool {
	return true
}
