package collective

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Wire format: every message is one frame,
//
//	[1 byte op] [4 bytes sequence] [4 bytes payload length] [payload]
//
// in little-endian order. The sequence number counts collective operations
// since rendezvous and lets both sides detect a desynchronized peer instead
// of silently combining values from different steps. Payload length is capped
// at 4 GiB, far above any parameter set this moves.
type frameOp byte

const (
	opHello frameOp = iota + 1
	opWelcome
	opBroadcast
	opReduce
	opResult
)

const frameHeaderLen = 1 + 4 + 4

// writeFrame writes one frame. Flushing is the caller's business.
func writeFrame(w io.Writer, op frameOp, seq uint32, payload []byte) error {
	var header [frameHeaderLen]byte
	header[0] = byte(op)
	binary.LittleEndian.PutUint32(header[1:5], seq)
	binary.LittleEndian.PutUint32(header[5:9], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return errors.Wrapf(err, "writing frame header (op=%d, seq=%d)", op, seq)
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Wrapf(err, "writing frame payload (op=%d, seq=%d, %d bytes)", op, seq, len(payload))
	}
	return nil
}

// readFrame reads one frame, checking it carries the wanted op and sequence.
func readFrame(r io.Reader, wantOp frameOp, wantSeq uint32) ([]byte, error) {
	var header [frameHeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, errors.Wrapf(err, "reading frame header")
	}
	op := frameOp(header[0])
	seq := binary.LittleEndian.Uint32(header[1:5])
	size := binary.LittleEndian.Uint32(header[5:9])
	if op != wantOp {
		return nil, errors.Errorf("peer out of sync: got frame op %d, want %d (seq %d)", op, wantOp, seq)
	}
	if seq != wantSeq {
		return nil, errors.Errorf("peer out of sync: got sequence %d, want %d (op %d)", seq, wantSeq, op)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrapf(err, "reading frame payload (%d bytes)", size)
	}
	return payload, nil
}

// encodePayload converts values to their wire encoding.
func encodePayload(data []float32, c Compression) []byte {
	switch c {
	case CompressionFloat16:
		payload := make([]byte, 2*len(data))
		for i, v := range data {
			binary.LittleEndian.PutUint16(payload[2*i:], float16.Fromfloat32(v).Bits())
		}
		return payload
	default:
		payload := make([]byte, 4*len(data))
		for i, v := range data {
			binary.LittleEndian.PutUint32(payload[4*i:], math.Float32bits(v))
		}
		return payload
	}
}

// decodePayload decodes a payload produced by encodePayload into dst,
// which must have the length the sender encoded.
func decodePayload(dst []float32, payload []byte, c Compression) error {
	switch c {
	case CompressionFloat16:
		if len(payload) != 2*len(dst) {
			return errors.Errorf("float16 payload has %d bytes, want %d for %d values",
				len(payload), 2*len(dst), len(dst))
		}
		for i := range dst {
			dst[i] = float16.Frombits(binary.LittleEndian.Uint16(payload[2*i:])).Float32()
		}
	default:
		if len(payload) != 4*len(dst) {
			return errors.Errorf("float32 payload has %d bytes, want %d for %d values",
				len(payload), 4*len(dst), len(dst))
		}
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[4*i:]))
		}
	}
	return nil
}
