package server

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/charmander/iptooled/internal/reputation"
)

// Request wire format, client to daemon over the local stream socket:
//
//	[0 | address (16)]            query
//	[1 | address (16) | user (4)] trust
//	[2 | address (16) | user (4)] spam
//
// Responses: queries get 9 bytes (trusted u32 BE, spam u32 BE,
// prefix_bits u8); trust and spam get a single zero ack byte.
const (
	requestQuery byte = 0
	requestTrust byte = 1
	requestSpam  byte = 2
)

const queryResponseSize = 9

var ackResponse = []byte{0}

type request struct {
	kind    byte
	address reputation.Address
	user    reputation.User
}

// formatError is an unrecognized leading request byte; the connection
// is closed after reporting it.
type formatError struct {
	code byte
}

func (e formatError) Error() string {
	return fmt.Sprintf("unknown request type %#02x", e.code)
}

// readRequest reads one framed request. io.EOF before the first byte is
// a clean disconnect; a short read inside a frame surfaces as
// io.ErrUnexpectedEOF.
func readRequest(r *bufio.Reader) (request, error) {
	kind, err := r.ReadByte()
	if err != nil {
		return request{}, err
	}

	req := request{kind: kind}

	switch kind {
	case requestQuery:
		if _, err := io.ReadFull(r, req.address[:]); err != nil {
			return request{}, noEOF(err)
		}

	case requestTrust, requestSpam:
		var buf [reputation.AddressBytes + 4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return request{}, noEOF(err)
		}
		copy(req.address[:], buf[:reputation.AddressBytes])
		req.user = reputation.User(binary.BigEndian.Uint32(buf[reputation.AddressBytes:]))

	default:
		return request{}, formatError{code: kind}
	}

	return req, nil
}

// noEOF converts a mid-frame EOF into ErrUnexpectedEOF so it is not
// mistaken for a clean disconnect.
func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

func queryResponse(result reputation.TrieResult) []byte {
	resp := make([]byte, queryResponseSize)
	binary.BigEndian.PutUint32(resp[0:4], result.TrustedCount)
	binary.BigEndian.PutUint32(resp[4:8], result.SpamCount)
	resp[8] = byte(result.PrefixBits)
	return resp
}
