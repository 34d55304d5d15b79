package pair

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/curve25519"

	"github.com/avereha/podmanager/pkg/message"

	"github.com/davecgh/go-spew/spew"
	log "github.com/sirupsen/logrus"
)

// Responder is the pod side of pairing
type Responder struct {
	rand io.Reader

	podPrivate []byte
	podPublic  []byte
	podNonce   []byte
	pdmID      []byte

	keys *keys
	done bool
}

func NewResponder() *Responder {
	return &Responder{rand: rand.Reader}
}

// Handle answers one controller pairing message
func (r *Responder) Handle(msg *message.Message) (*message.Message, error) {
	switch {
	case strings.HasPrefix(string(msg.Payload), sp1):
		return r.handleSP1SP2(msg)
	case strings.HasPrefix(string(msg.Payload), sps1):
		return r.handleSPS1(msg)
	case strings.HasPrefix(string(msg.Payload), sps2):
		return r.handleSPS2(msg)
	case string(msg.Payload) == sp0gp0:
		if r.keys == nil {
			return nil, errors.New("SP0GP0 before key exchange")
		}
		r.done = true
		return msg.Reply(buildStringByte([]string{p0}, map[string][]byte{p0: {p0Value}})), nil
	}
	log.Debugf("Message :%s", spew.Sdump(msg))
	return nil, fmt.Errorf("unexpected pairing payload %x", msg.Payload)
}

func (r *Responder) handleSP1SP2(msg *message.Message) (*message.Message, error) {
	sp, err := parseStringByte([]string{sp1, sp2}, msg.Payload)
	if err != nil {
		return nil, err
	}
	log.Infof("Received SP1 SP2: %x :: %x", sp[sp1], sp[sp2])
	r.pdmID = msg.Source
	return msg.Reply(nil), nil
}

func (r *Responder) handleSPS1(msg *message.Message) (*message.Message, error) {
	sp, err := parseStringByte([]string{sps1}, msg.Payload)
	if err != nil {
		return nil, err
	}
	if len(sp[sps1]) != keyLength+nonceLength {
		return nil, fmt.Errorf("invalid SPS1 %x", sp[sps1])
	}
	pdmPublic, pdmNonce := sp[sps1][:keyLength], sp[sps1][keyLength:]

	random := make([]byte, keyLength+nonceLength)
	if _, err := io.ReadFull(r.rand, random); err != nil {
		return nil, err
	}
	r.podPrivate = newPrivateKey(random[:keyLength])
	r.podNonce = random[keyLength:]
	r.podPublic, err = curve25519.X25519(r.podPrivate, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	r.keys, err = deriveKeys(r.podPrivate, pdmPublic, r.podPublic, pdmPublic, r.podNonce, pdmNonce)
	if err != nil {
		return nil, err
	}
	log.Debugf("Pod public %x, nonce %x", r.podPublic, r.podNonce)
	return msg.Reply(buildStringByte([]string{sps1}, map[string][]byte{
		sps1: append(append([]byte(nil), r.podPublic...), r.podNonce...),
	})), nil
}

func (r *Responder) handleSPS2(msg *message.Message) (*message.Message, error) {
	if r.keys == nil {
		return nil, errors.New("SPS2 before SPS1")
	}
	sp, err := parseStringByte([]string{sps2}, msg.Payload)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(r.keys.pdmConf, sp[sps2]) {
		return nil, fmt.Errorf("invalid conf value. Expected: %x. Got %x", r.keys.pdmConf, sp[sps2])
	}
	log.Debugf("Validated PDM SPS2: %x", sp[sps2])
	return msg.Reply(buildStringByte([]string{sps2}, map[string][]byte{sps2: r.keys.podConf})), nil
}

func (r *Responder) LTK() ([]byte, error) {
	if !r.done {
		return nil, errors.New("pairing is not complete")
	}
	return r.keys.ltk, nil
}
