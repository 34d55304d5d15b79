package encrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"sync"

	"github.com/avereha/podmanager/pkg/message"

	aesccm "github.com/pschlump/AesCCM"
	log "github.com/sirupsen/logrus"
)

const (
	// NoncePrefixLength is the pod IV followed by the controller IV
	NoncePrefixLength = 8
	seqMask           = 1<<39 - 1
)

// Role selects the direction bit of the nonces a Cipher seals with
type Role bool

const (
	Controller Role = false
	Pod        Role = true
)

// Cipher seals and opens message envelopes with the session key.
// The nonce is the session prefix followed by a 39 bit counter and the direction bit;
// both sides count the messages they send.
type Cipher struct {
	role        Role
	ck          []byte
	noncePrefix []byte

	mtx     sync.Mutex
	aead    cipher.AEAD
	sendSeq uint64
}

func NewCipher(role Role, ck, noncePrefix []byte, seq uint64) (*Cipher, error) {
	if len(noncePrefix) != NoncePrefixLength {
		return nil, fmt.Errorf("invalid nonce prefix %x", noncePrefix)
	}
	block, err := aes.NewCipher(ck)
	if err != nil {
		return nil, fmt.Errorf("could not create aes: %w", err)
	}
	aead, err := aesccm.NewCCM(block, message.TagLength, NoncePrefixLength+5)
	if err != nil {
		return nil, fmt.Errorf("could not create aes-ccm: %w", err)
	}
	return &Cipher{
		role:        role,
		ck:          append([]byte(nil), ck...),
		noncePrefix: append([]byte(nil), noncePrefix...),
		aead:        aead,
		sendSeq:     seq,
	}, nil
}

// Seq is the counter the next sealed message uses
func (c *Cipher) Seq() uint64 {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.sendSeq
}

// rewind gives back a sequence whose message never left
func (c *Cipher) rewind(seq uint64) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.sendSeq == seq+1 {
		c.sendSeq = seq
	}
}

func buildNonce(noncePrefix []byte, seq uint64, podReceiving bool) []byte {
	seq &= seqMask
	seqBytes := []byte{
		byte(seq >> 32),
		byte(seq >> 24),
		byte(seq >> 16),
		byte(seq >> 8),
		byte(seq),
	}
	if podReceiving {
		seqBytes[0] &= 0x7f
	} else {
		seqBytes[0] |= 0x80
	}
	ret := make([]byte, 0, len(noncePrefix)+len(seqBytes))
	ret = append(ret, noncePrefix...)
	return append(ret, seqBytes...)
}

// Seal encrypts the payload of msg, authenticating its header
func (c *Cipher) Seal(msg *message.Message) ([]byte, error) {
	if msg.Type != message.TypeEncrypted {
		return nil, fmt.Errorf("can not seal a %s message", msg.Type)
	}
	header, err := msg.Header(len(msg.Payload))
	if err != nil {
		return nil, err
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()

	nonce := buildNonce(c.noncePrefix, c.sendSeq, c.role == Controller)
	log.Tracef("encrypt: using nonce: %x :: %d", nonce, len(nonce))
	c.sendSeq++
	out := make([]byte, len(header), len(header)+len(msg.Payload)+message.TagLength)
	copy(out, header)
	return c.aead.Seal(out, nonce, msg.Payload, header), nil
}

var ErrAuthentication = errors.New("message authentication failed")

// Open decrypts data sealed by the peer with sequence seq
func (c *Cipher) Open(data []byte, seq uint64) (*message.Message, error) {
	msg, err := message.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	if msg.Type != message.TypeEncrypted {
		return nil, fmt.Errorf("expected an encrypted message, got %s", msg.Type)
	}
	nonce := buildNonce(c.noncePrefix, seq, c.role == Pod)
	log.Tracef("decrypt: using nonce: %x :: %d", nonce, len(nonce))

	decrypted, err := c.aead.Open(nil, nonce, msg.Payload, data[:message.HeaderLength])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	msg.Payload = decrypted
	log.Tracef("decrypted: %x", decrypted)
	return msg, nil
}
