package eap

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/avereha/podmanager/pkg/message"
	"github.com/avereha/podmanager/pkg/transport"

	"github.com/davecgh/go-spew/spew"
	log "github.com/sirupsen/logrus"
	"github.com/wmnsk/milenage"
)

const (
	amf       = 0xb9b9
	randLen   = 16
	ivLen     = 4
	sqnLen    = 6
	macLen    = 8
	resLength = 8
)

var op, _ = hex.DecodeString("cdc202d5123e20f62b6d676ac72cb318")

var (
	ErrInvalidRes  = errors.New("pod answered with an invalid RES")
	ErrInvalidAutn = errors.New("challenge AUTN does not match")
)

// Session holds what both sides derive from a successful challenge
type Session struct {
	CK          []byte
	NoncePrefix []byte // pod IV followed by controller IV
	Sqn         uint64
}

type vectors struct {
	res, ck, ak, mac []byte
}

func compute(ltk, random []byte, sqn uint64) (*vectors, error) {
	mil := milenage.New(ltk, op, random, sqn, amf)
	res, ck, _, ak, err := mil.F2345()
	if err != nil {
		return nil, err
	}
	mac, err := mil.F1()
	if err != nil {
		return nil, err
	}
	return &vectors{res: res, ck: ck, ak: ak, mac: mac}, nil
}

func sqnBytes(sqn uint64) []byte {
	ret := make([]byte, sqnLen)
	for i := range ret {
		ret[sqnLen-1-i] = byte(sqn >> (8 * i))
	}
	return ret
}

func xor(a, b []byte) []byte {
	ret := make([]byte, len(a))
	for i := range a {
		ret[i] = a[i] ^ b[i]
	}
	return ret
}

// Establish runs an EAP-AKA challenge against a paired pod
func Establish(ctx context.Context, t transport.Transport, ltk, pdmID, podID []byte, sqn uint64) (*Session, error) {
	return establish(ctx, t, rand.Reader, ltk, pdmID, podID, sqn)
}

func establish(ctx context.Context, t transport.Transport, random io.Reader, ltk, pdmID, podID []byte, sqn uint64) (*Session, error) {
	challenge := make([]byte, randLen+ivLen)
	if _, err := io.ReadFull(random, challenge); err != nil {
		return nil, err
	}
	rnd, pdmIV := challenge[:randLen], challenge[randLen:]
	v, err := compute(ltk, rnd, sqn)
	if err != nil {
		return nil, err
	}

	var autn []byte
	autn = append(autn, xor(sqnBytes(sqn), v.ak)...)
	autn = append(autn, byte(amf>>8), byte(amf&0xff))
	autn = append(autn, v.mac...)

	req := &EapAka{
		Code:       CodeRequest,
		Identifier: byte(sqn),
		SubType:    SubTypeAkaChallenge,
		Attributes: map[AttributeType]*Attribute{
			AT_RAND:      {Type: AT_RAND, Data: rnd},
			AT_AUTN:      {Type: AT_AUTN, Data: autn},
			AT_CUSTOM_IV: {Type: AT_CUSTOM_IV, Data: pdmIV},
		},
	}
	rsp, err := exchange(ctx, t, req, pdmID, podID)
	if err != nil {
		return nil, fmt.Errorf("challenge: %w", err)
	}
	if rsp.Code != CodeResponse {
		return nil, fmt.Errorf("expected a challenge response: %s", spew.Sdump(rsp))
	}
	res, err := rsp.attribute(AT_RES, resLength)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(res, v.res) {
		return nil, fmt.Errorf("%w: %x, want %x", ErrInvalidRes, res, v.res)
	}
	podIV, err := rsp.attribute(AT_CUSTOM_IV, ivLen)
	if err != nil {
		return nil, err
	}

	rsp, err = exchange(ctx, t, &EapAka{Code: CodeSuccess, Identifier: req.Identifier}, pdmID, podID)
	if err != nil {
		return nil, fmt.Errorf("success: %w", err)
	}
	if rsp.Code != CodeSuccess {
		return nil, fmt.Errorf("eap code is not success: %s", spew.Sdump(rsp))
	}
	log.Infof("Session established with pod %x", podID)
	return &Session{
		CK:          v.ck,
		NoncePrefix: append(append([]byte(nil), podIV...), pdmIV...),
		Sqn:         sqn,
	}, nil
}

func exchange(ctx context.Context, t transport.Transport, req *EapAka, pdmID, podID []byte) (*EapAka, error) {
	msg := message.New(message.TypeSessionEstablishment, pdmID, podID)
	payload, err := req.Marshal()
	if err != nil {
		return nil, err
	}
	msg.Payload = payload
	data, err := msg.Marshal()
	if err != nil {
		return nil, err
	}
	rsp, err := t.SendAndReceive(ctx, data)
	if err != nil {
		return nil, err
	}
	reply, err := message.Unmarshal(rsp)
	if err != nil {
		return nil, err
	}
	if reply.Type != message.TypeSessionEstablishment {
		return nil, fmt.Errorf("expected a session message, got %s", reply.Type)
	}
	return Unmarshal(reply.Payload)
}

// Responder is the pod side of the challenge
type Responder struct {
	ltk  []byte
	rand io.Reader

	pending *Session
	session *Session
}

func NewResponder(ltk []byte) *Responder {
	return &Responder{ltk: ltk, rand: rand.Reader}
}

func (r *Responder) Handle(msg *message.Message) (*message.Message, error) {
	req, err := Unmarshal(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("error parsing eap message: %w", err)
	}
	log.Debugf("challenge: %s", spew.Sdump(req))

	switch req.Code {
	case CodeRequest:
		rnd, err := req.attribute(AT_RAND, randLen)
		if err != nil {
			return nil, err
		}
		autn, err := req.attribute(AT_AUTN, sqnLen+2+macLen)
		if err != nil {
			return nil, err
		}
		pdmIV, err := req.attribute(AT_CUSTOM_IV, ivLen)
		if err != nil {
			return nil, err
		}
		// AK doesn't depend on SQN
		v, err := compute(r.ltk, rnd, 0)
		if err != nil {
			return nil, err
		}
		var sqn uint64
		for _, b := range xor(autn[:sqnLen], v.ak) {
			sqn = sqn<<8 | uint64(b)
		}
		if v, err = compute(r.ltk, rnd, sqn); err != nil {
			return nil, err
		}
		if !bytes.Equal(autn[sqnLen+2:], v.mac) {
			return nil, fmt.Errorf("%w: MAC %x, want %x", ErrInvalidAutn, autn[sqnLen+2:], v.mac)
		}
		podIV := make([]byte, ivLen)
		if _, err := io.ReadFull(r.rand, podIV); err != nil {
			return nil, err
		}
		r.pending = &Session{
			CK:          v.ck,
			NoncePrefix: append(append([]byte(nil), podIV...), pdmIV...),
			Sqn:         sqn,
		}
		payload, err := (&EapAka{
			Code:       CodeResponse,
			Identifier: req.Identifier,
			SubType:    SubTypeAkaChallenge,
			Attributes: map[AttributeType]*Attribute{
				AT_RES:       {Type: AT_RES, Data: v.res},
				AT_CUSTOM_IV: {Type: AT_CUSTOM_IV, Data: podIV},
			},
		}).Marshal()
		if err != nil {
			return nil, err
		}
		return msg.Reply(payload), nil
	case CodeSuccess:
		if r.pending == nil {
			return nil, errors.New("eap success without a challenge")
		}
		r.session, r.pending = r.pending, nil
		payload, _ := (&EapAka{Code: CodeSuccess, Identifier: req.Identifier}).Marshal()
		return msg.Reply(payload), nil
	}
	return nil, fmt.Errorf("unexpected eap code %d", req.Code)
}

// Session is nil until the controller confirmed the challenge
func (r *Responder) Session() *Session {
	return r.session
}
