package persist

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash"

	"github.com/dchest/siphash"

	"github.com/charmander/iptooled/internal/reputation"
)

const (
	// KeySize is the width of the SipHash key stored in the file header.
	KeySize = 16

	// HeaderSize is the persist file header: the two 64-bit hash keys.
	HeaderSize = KeySize

	// RecordSize is the fixed width of one logged operation:
	// kind byte, address bytes, chained tag.
	RecordSize = 1 + reputation.AddressBytes + tagSize

	// payloadSize is the checksummed portion of a record.
	payloadSize = 1 + reputation.AddressBytes

	tagSize = 8
)

// ErrChecksumMismatch reports a stored tag disagreeing with the
// recomputed chain: silent corruption, or a header from a different log.
var ErrChecksumMismatch = errors.New("record checksum disagrees with the running chain")

// ReplayError wraps a failure at a specific record during replay.
type ReplayError struct {
	Record int64
	Err    error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("record %d: %v", e.Record, e.Err)
}

func (e *ReplayError) Unwrap() error {
	return e.Err
}

// Codec turns tree operations into fixed-width records carrying a
// running keyed checksum. The SipHash-2-4 state is seeded once from the
// header keys and never reset, so each record's tag authenticates every
// record before it. The state advances in lockstep with the tree:
// encode order must equal apply order.
type Codec struct {
	h hash.Hash64
}

func NewCodec(key [KeySize]byte) *Codec {
	return &Codec{h: siphash.New(key[:])}
}

// Encode serializes op, absorbs its payload into the chain, and stamps
// the chain's current state as the record's tag.
func (c *Codec) Encode(op reputation.TreeOperation) []byte {
	rec := make([]byte, RecordSize)

	switch op.Kind {
	case reputation.KindSpam:
		rec[0] = 0
	case reputation.KindTrust:
		bits := op.Prefix.Bits()
		if bits < 1 || bits > reputation.AddressBits {
			panic(fmt.Sprintf("trust operation with %d prefix bits", bits))
		}
		rec[0] = byte(bits)
	default:
		panic(fmt.Sprintf("unknown operation kind %d", op.Kind))
	}

	first := op.Prefix.First()
	copy(rec[1:payloadSize], first[:])

	c.h.Write(rec[:payloadSize])
	binary.BigEndian.PutUint64(rec[payloadSize:], c.h.Sum64())

	return rec
}

// Verify decodes a stored record, advances the chain over its payload,
// and checks the stored tag against the chain's resulting state.
func (c *Codec) Verify(rec []byte) (reputation.TreeOperation, error) {
	if len(rec) != RecordSize {
		return reputation.TreeOperation{}, fmt.Errorf("record is %d bytes, want %d", len(rec), RecordSize)
	}

	op, err := decodeOperation(rec[:payloadSize])
	if err != nil {
		return reputation.TreeOperation{}, err
	}

	c.h.Write(rec[:payloadSize])
	if binary.BigEndian.Uint64(rec[payloadSize:]) != c.h.Sum64() {
		return reputation.TreeOperation{}, ErrChecksumMismatch
	}

	return op, nil
}

func decodeOperation(payload []byte) (reputation.TreeOperation, error) {
	var address reputation.Address
	copy(address[:], payload[1:])

	kindByte := int(payload[0])

	if kindByte == 0 {
		return reputation.TreeOperation{
			Kind:   reputation.KindSpam,
			Prefix: address.Prefix(reputation.AddressBits),
		}, nil
	}

	if kindByte > reputation.AddressBits {
		return reputation.TreeOperation{}, fmt.Errorf("kind byte %d exceeds the address width", kindByte)
	}

	prefix := address.Prefix(kindByte)
	if prefix.First() != address {
		return reputation.TreeOperation{}, fmt.Errorf("trust record for %s has bits set past its %d-bit prefix", address, kindByte)
	}

	return reputation.TreeOperation{Kind: reputation.KindTrust, Prefix: prefix}, nil
}
