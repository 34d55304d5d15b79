package message

import (
	"bytes"
	"fmt"
)

type Type byte

const (
	TypeClear Type = iota
	TypeEncrypted
	TypeSessionEstablishment
	TypePairing
)

const (
	MagicPattern = "TW"
	HeaderLength = 16
	// TagLength is the AES-CCM tag appended to encrypted payloads
	TagLength = 8

	maxPayloadLength = 1<<11 - 1
)

func (t Type) String() string {
	switch t {
	case TypeClear:
		return "clear"
	case TypeEncrypted:
		return "encrypted"
	case TypeSessionEstablishment:
		return "session"
	case TypePairing:
		return "pairing"
	}
	return fmt.Sprintf("type(%d)", byte(t))
}

// Message is the envelope around everything exchanged over the secure link
//
//	byte# 0001 02 03 04 05 0607 08090a0b 0c0d0e0f ...
//	      TW   VF TF SN AN LL   source   dest     payload
//
// VF: version(3) sas tfs eqos(3), TF: ack priority last gateway type(4),
// LL: payload length in the upper 11 bits. For encrypted messages the
// length excludes the tag.
type Message struct {
	Type           Type
	Ack            bool
	Priority       bool
	LastMessage    bool
	Gateway        bool
	Sas            bool
	Tfs            bool
	Eqos           uint8
	SequenceNumber uint8
	AckNumber      uint8
	Source         []byte // 4 bytes
	Destination    []byte // 4 bytes
	Payload        []byte
}

func New(t Type, source, destination []byte) *Message {
	msg := &Message{
		Type:        t,
		Source:      make([]byte, 4),
		Destination: make([]byte, 4),
	}
	copy(msg.Source, source)
	copy(msg.Destination, destination)
	return msg
}

// Reply addresses a new message of the same type back to the sender of m
func (m *Message) Reply(payload []byte) *Message {
	ret := New(m.Type, m.Destination, m.Source)
	ret.SequenceNumber = m.SequenceNumber + 1
	ret.AckNumber = m.SequenceNumber
	ret.Ack = true
	ret.Payload = payload
	return ret
}

func bit(val bool, shift uint) byte {
	if val {
		return 1 << shift
	}
	return 0
}

// Header returns the 16 byte header for a payload of the given length
func (m *Message) Header(payloadLength int) ([]byte, error) {
	if payloadLength > maxPayloadLength {
		return nil, fmt.Errorf("payload is too long: %d", payloadLength)
	}
	if len(m.Source) != 4 || len(m.Destination) != 4 {
		return nil, fmt.Errorf("invalid addresses %x -> %x", m.Source, m.Destination)
	}
	var buf bytes.Buffer
	buf.WriteString(MagicPattern)
	buf.WriteByte(bit(m.Sas, 4) | bit(m.Tfs, 3) | m.Eqos&0x07)
	buf.WriteByte(bit(m.Ack, 7) | bit(m.Priority, 6) | bit(m.LastMessage, 5) | bit(m.Gateway, 4) | byte(m.Type)&0x0f)
	buf.WriteByte(m.SequenceNumber)
	buf.WriteByte(m.AckNumber)
	l := uint16(payloadLength) << 5
	buf.WriteByte(byte(l >> 8))
	buf.WriteByte(byte(l))
	buf.Write(m.Source)
	buf.Write(m.Destination)
	return buf.Bytes(), nil
}

func (m *Message) Marshal() ([]byte, error) {
	header, err := m.Header(len(m.Payload))
	if err != nil {
		return nil, err
	}
	return append(header, m.Payload...), nil
}

// Unmarshal parses an envelope. Payload of an encrypted message still carries its tag.
func Unmarshal(data []byte) (*Message, error) {
	if len(data) < HeaderLength {
		return nil, fmt.Errorf("data %x is too short to parse as a Message", data)
	}
	if string(data[:2]) != MagicPattern {
		return nil, fmt.Errorf("magic pattern not found in %x", data)
	}
	if version := data[2] >> 5; version != 0 {
		return nil, fmt.Errorf("invalid version %d received in %x", version, data)
	}
	ret := &Message{
		Sas:            data[2]&(1<<4) != 0,
		Tfs:            data[2]&(1<<3) != 0,
		Eqos:           data[2] & 0x07,
		Ack:            data[3]&(1<<7) != 0,
		Priority:       data[3]&(1<<6) != 0,
		LastMessage:    data[3]&(1<<5) != 0,
		Gateway:        data[3]&(1<<4) != 0,
		Type:           Type(data[3] & 0x0f),
		SequenceNumber: data[4],
		AckNumber:      data[5],
		Source:         append([]byte(nil), data[8:12]...),
		Destination:    append([]byte(nil), data[12:16]...),
	}
	if ret.Type > TypePairing {
		return nil, fmt.Errorf("invalid message type found in %x", data)
	}

	n := int(uint16(data[6])<<8|uint16(data[7])) >> 5
	if ret.Type == TypeEncrypted {
		n += TagLength
	}
	if n != len(data)-HeaderLength {
		return nil, fmt.Errorf("received length does not match in %x. Length:%d . remaining: %d", data, n, len(data)-HeaderLength)
	}
	ret.Payload = append([]byte(nil), data[HeaderLength:]...)
	return ret, nil
}
