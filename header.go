package tiernet

// header.go holds the codec for the 4-byte field carried at the front of every
// application packet.  One field does double duty: small values are subscription
// control codes, large values are sequence numbers.

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// HeaderSize is the number of bytes the header occupies on the wire
const HeaderSize = 4

// Header values below FirstSeq are control codes, FirstSeq and above are sequence numbers
const (
	HdrPlain       uint32 = 0
	HdrSoftSub     uint32 = 1
	HdrHardSub     uint32 = 2
	HdrUnsubscribe uint32 = 3
	FirstSeq       uint32 = 100
)

// ErrShortPacket is returned when a packet is too small to carry a header
var ErrShortPacket = errors.New("packet shorter than header")

// Encode serializes a header value in network order
func Encode(value uint32) [HeaderSize]byte {
	var b [HeaderSize]byte
	binary.BigEndian.PutUint32(b[:], value)
	return b
}

// Decode recovers the header value from the first four bytes of b.
// The caller guarantees len(b) >= HeaderSize.
func Decode(b []byte) uint32 {
	return binary.BigEndian.Uint32(b[:HeaderSize])
}

// IsSequence reports whether a header value is a sequence number
func IsSequence(hdr uint32) bool {
	return hdr >= FirstSeq
}

// IsSubscribe reports whether a header value asks for a demand-response stream.
// Soft and hard subscribes are not distinguished.
func IsSubscribe(hdr uint32) bool {
	return hdr == HdrSoftSub || hdr == HdrHardSub
}

// IsControl reports whether a header value lies in the control-code range
func IsControl(hdr uint32) bool {
	return hdr > HdrPlain && hdr < FirstSeq
}

// Packet is the application view of a datagram: a header plus a count of payload bytes.
// Payload contents are never inspected, only their length.
type Packet struct {
	Header  uint32
	Payload int
}

// Size is the number of bytes the packet occupies on the wire
func (pckt Packet) Size() int {
	return HeaderSize + pckt.Payload
}

// Marshal lays the packet out as header followed by zeroed payload bytes
func (pckt Packet) Marshal() []byte {
	buf := make([]byte, pckt.Size())
	hdr := Encode(pckt.Header)
	copy(buf, hdr[:])
	return buf
}

// ParsePacket strips the header from a received datagram
func ParsePacket(b []byte) (Packet, error) {
	if len(b) < HeaderSize {
		return Packet{}, errors.Wrapf(ErrShortPacket, "got %d bytes", len(b))
	}
	return Packet{Header: Decode(b), Payload: len(b) - HeaderSize}, nil
}
