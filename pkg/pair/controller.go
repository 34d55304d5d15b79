package pair

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"

	"github.com/avereha/podmanager/pkg/message"
	"github.com/avereha/podmanager/pkg/transport"

	"github.com/davecgh/go-spew/spew"
	log "github.com/sirupsen/logrus"
)

const (
	sp1 = "SP1="
	sp2 = ",SP2="

	sps1   = "SPS1="
	sps2   = "SPS2="
	sp0gp0 = "SP0,GP0"
	p0     = "P0="

	p0Value = 0xa5
)

// Controller runs the pairing exchange against a fresh pod and yields the long term key
type Controller struct {
	pdmID []byte
	podID []byte
	rand  io.Reader
	seq   uint8
}

func NewController(pdmID, podID []byte) *Controller {
	return &Controller{
		pdmID: pdmID,
		podID: podID,
		rand:  rand.Reader,
	}
}

// Run is NewController(pdmID, podID).Run(ctx, t)
func Run(ctx context.Context, t transport.Transport, pdmID, podID []byte) ([]byte, error) {
	return NewController(pdmID, podID).Run(ctx, t)
}

func (c *Controller) exchange(ctx context.Context, t transport.Transport, payload []byte) (*message.Message, error) {
	msg := message.New(message.TypePairing, c.pdmID, c.podID)
	msg.SequenceNumber = c.seq
	msg.Payload = payload
	c.seq += 2

	data, err := msg.Marshal()
	if err != nil {
		return nil, err
	}
	rsp, err := t.SendAndReceive(ctx, data)
	if err != nil {
		return nil, err
	}
	ret, err := message.Unmarshal(rsp)
	if err != nil {
		return nil, err
	}
	if ret.Type != message.TypePairing {
		log.Debugf("Message :%s", spew.Sdump(ret))
		return nil, fmt.Errorf("expected a pairing message, got %s", ret.Type)
	}
	return ret, nil
}

func (c *Controller) Run(ctx context.Context, t transport.Transport) ([]byte, error) {
	random := make([]byte, keyLength+nonceLength)
	if _, err := io.ReadFull(c.rand, random); err != nil {
		return nil, err
	}
	private := newPrivateKey(random[:keyLength])
	pdmNonce := random[keyLength:]
	pdmPublic, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	log.Infof("Pairing with pod %x", c.podID)
	_, err = c.exchange(ctx, t, buildStringByte([]string{sp1, sp2}, map[string][]byte{
		sp1: c.podID,
		sp2: {0x00, 0x00, 0x00, 0x00},
	}))
	if err != nil {
		return nil, fmt.Errorf("SP1 SP2: %w", err)
	}

	rsp, err := c.exchange(ctx, t, buildStringByte([]string{sps1}, map[string][]byte{
		sps1: append(append([]byte(nil), pdmPublic...), pdmNonce...),
	}))
	if err != nil {
		return nil, fmt.Errorf("SPS1: %w", err)
	}
	sp, err := parseStringByte([]string{sps1}, rsp.Payload)
	if err != nil {
		return nil, err
	}
	if len(sp[sps1]) != keyLength+nonceLength {
		return nil, fmt.Errorf("invalid pod SPS1: %x", sp[sps1])
	}
	podPublic, podNonce := sp[sps1][:keyLength], sp[sps1][keyLength:]
	k, err := deriveKeys(private, podPublic, podPublic, pdmPublic, podNonce, pdmNonce)
	if err != nil {
		return nil, err
	}

	rsp, err = c.exchange(ctx, t, buildStringByte([]string{sps2}, map[string][]byte{sps2: k.pdmConf}))
	if err != nil {
		return nil, fmt.Errorf("SPS2: %w", err)
	}
	sp, err = parseStringByte([]string{sps2}, rsp.Payload)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(sp[sps2], k.podConf) {
		return nil, fmt.Errorf("invalid pod conf value. Expected: %x. Got %x", k.podConf, sp[sps2])
	}

	rsp, err = c.exchange(ctx, t, []byte(sp0gp0))
	if err != nil {
		return nil, fmt.Errorf("SP0GP0: %w", err)
	}
	sp, err = parseStringByte([]string{p0}, rsp.Payload)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(sp[p0], []byte{p0Value}) {
		return nil, fmt.Errorf("unexpected P0 %x", sp[p0])
	}
	log.Infof("Paired with pod %x", c.podID)
	return k.ltk, nil
}
