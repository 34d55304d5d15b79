package eap

import (
	"bytes"
	"fmt"
	"sort"
)

type Code byte
type SubType byte
type AttributeType byte

const (
	CodeRequest Code = iota + 1
	CodeResponse
	CodeSuccess
	CodeFailure

	SubTypeAkaChallenge SubType = 1

	AT_RAND      AttributeType = 1
	AT_AUTN      AttributeType = 2
	AT_RES       AttributeType = 3
	AT_CUSTOM_IV AttributeType = 126

	typeAka    = 23
	headerSize = 8
)

type Attribute struct {
	Type AttributeType
	Data []byte
}

// EapAka
//
//	byte# 00 01 0203 04 05 0607 ...
//	      CC II LLLL 17 ST 0000 attributes
//
// Each attribute is TT NN VVVV data, NN counting 4 byte words. VVVV is
// reserved except for AT_RES where it holds the RES length in bits.
// Success and failure packets stop after LLLL.
type EapAka struct {
	Code       Code
	Identifier byte
	SubType    SubType
	Attributes map[AttributeType]*Attribute
}

func Unmarshal(data []byte) (*EapAka, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("data is too short for an EAP packet %x", data)
	}
	ret := &EapAka{
		Code:       Code(data[0]),
		Identifier: data[1],
	}
	if ret.Code < CodeRequest || ret.Code > CodeFailure {
		return nil, fmt.Errorf("invalid eap code: %d %x", ret.Code, data)
	}
	if l := int(data[2])<<8 | int(data[3]); l != len(data) {
		return nil, fmt.Errorf("invalid eap length %d, have %d bytes", l, len(data))
	}
	if ret.Code == CodeSuccess || ret.Code == CodeFailure {
		if len(data) != 4 {
			return nil, fmt.Errorf("unexpected data in eap code %d: %x", ret.Code, data)
		}
		return ret, nil
	}

	if len(data) < headerSize || data[4] != typeAka {
		return nil, fmt.Errorf("invalid eap packet type. Expected 23: %x", data)
	}
	ret.SubType = SubType(data[5])
	tail := data[headerSize:]
	for len(tail) > 0 {
		if len(tail) < 4 {
			return nil, fmt.Errorf("truncated attribute %x", tail)
		}
		n := int(tail[1]) * 4
		if n < 4 || n > len(tail) {
			return nil, fmt.Errorf("invalid attribute length %d in %x", n, tail)
		}
		a := &Attribute{
			Type: AttributeType(tail[0]),
			Data: append([]byte(nil), tail[4:n]...),
		}
		if a.Type == AT_RES {
			bits := int(tail[2])<<8 | int(tail[3])
			if bits%8 != 0 || bits/8 > len(a.Data) {
				return nil, fmt.Errorf("invalid RES length %d", bits)
			}
			a.Data = a.Data[:bits/8]
		}
		if ret.Attributes == nil {
			ret.Attributes = make(map[AttributeType]*Attribute)
		}
		ret.Attributes[a.Type] = a
		tail = tail[n:]
	}
	return ret, nil
}

func (e *EapAka) Marshal() ([]byte, error) {
	switch e.Code {
	case CodeSuccess, CodeFailure:
		return []byte{byte(e.Code), e.Identifier, 0, 4}, nil
	case CodeRequest, CodeResponse:
	default:
		return nil, fmt.Errorf("invalid eap code: %d", e.Code)
	}

	var buf bytes.Buffer
	buf.Write([]byte{byte(e.Code), e.Identifier, 0, 0, typeAka, byte(e.SubType), 0, 0})

	types := make([]int, 0, len(e.Attributes))
	for t := range e.Attributes {
		types = append(types, int(t))
	}
	sort.Ints(types)
	for _, t := range types {
		a := e.Attributes[AttributeType(t)]
		data := a.Data
		if pad := len(data) % 4; pad != 0 {
			data = append(append([]byte(nil), data...), make([]byte, 4-pad)...)
		}
		words := (4 + len(data)) / 4
		if words > 0xff {
			return nil, fmt.Errorf("attribute %d is too long", t)
		}
		buf.WriteByte(byte(t))
		buf.WriteByte(byte(words))
		var value uint16
		if AttributeType(t) == AT_RES {
			value = uint16(len(a.Data) * 8)
		}
		buf.WriteByte(byte(value >> 8))
		buf.WriteByte(byte(value))
		buf.Write(data)
	}

	ret := buf.Bytes()
	ret[2] = byte(len(ret) >> 8)
	ret[3] = byte(len(ret))
	return ret, nil
}

func (e *EapAka) attribute(t AttributeType, length int) ([]byte, error) {
	a, ok := e.Attributes[t]
	if !ok {
		return nil, fmt.Errorf("missing attribute %d", t)
	}
	if len(a.Data) != length {
		return nil, fmt.Errorf("attribute %d should be %d bytes: %x", t, length, a.Data)
	}
	return a.Data, nil
}
