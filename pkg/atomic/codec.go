package atomic

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// wireVersion is the only version this codec understands; an unrecognized
// version is treated the same as an unrecognized type tag (§4.5).
const wireVersion = 1

// MsgType tags the body that follows a frame header.
type MsgType uint8

const (
	MsgRequest MsgType = iota + 1
	MsgAck
	MsgAbort
	MsgQuery
	MsgReport
)

func (t MsgType) String() string {
	switch t {
	case MsgRequest:
		return "request"
	case MsgAck:
		return "ack"
	case MsgAbort:
		return "abort"
	case MsgQuery:
		return "query"
	case MsgReport:
		return "report"
	default:
		return fmt.Sprintf("msgtype(%d)", uint8(t))
	}
}

// Message is the decoded form of one wire frame. Exactly one of the
// type-specific fields is meaningful, selected by Type.
type Message struct {
	Type   MsgType
	TxID   TxID
	Step   Step // Request, Ack
	Reason string // Abort

	ChunkCodec  ChunkCodec // Request
	ChunkOffset uint32     // Request
	ChunkLen    uint32     // Request; length of the *original* (decompressed) chunk
	Chunk       []byte     // Request; already decompressed by Decode

	FinalStep Step // Report
}

// frame header: [u32 length][u8 version][u8 type][16-byte tx_id][body...]
// length counts everything after the length field itself.
const headerFixedLen = 1 + 1 + 16 // version + type + tx_id, excluding the length prefix

// Encode serializes m to its length-prefixed wire form.
func Encode(m Message) ([]byte, error) {
	body, err := encodeBody(m)
	if err != nil {
		return nil, err
	}
	total := headerFixedLen + len(body)
	out := make([]byte, 4+total)
	binary.BigEndian.PutUint32(out[0:4], uint32(total))
	out[4] = wireVersion
	out[5] = byte(m.Type)
	copy(out[6:22], m.TxID[:])
	copy(out[22:], body)
	return out, nil
}

func encodeBody(m Message) ([]byte, error) {
	switch m.Type {
	case MsgRequest:
		chunk := m.Chunk
		codec := m.ChunkCodec
		if codec != CodecNone && len(chunk) > 0 {
			compressed, err := compressChunk(codec, chunk)
			if err != nil {
				return nil, err
			}
			chunk = compressed
		}
		body := make([]byte, 1+1+4+4+4+len(chunk))
		body[0] = byte(m.Step)
		body[1] = byte(codec)
		binary.BigEndian.PutUint32(body[2:6], m.ChunkOffset)
		binary.BigEndian.PutUint32(body[6:10], m.ChunkLen) // original length
		binary.BigEndian.PutUint32(body[10:14], uint32(len(chunk)))
		copy(body[14:], chunk)
		return body, nil
	case MsgAck:
		return []byte{byte(m.Step)}, nil
	case MsgAbort:
		return []byte(m.Reason), nil
	case MsgQuery:
		return nil, nil
	case MsgReport:
		return []byte{byte(m.FinalStep)}, nil
	default:
		return nil, Wrap(KindProtocol, nil, fmt.Sprintf("unknown message type %d", m.Type))
	}
}

// Decode parses exactly one frame's body (the caller has already read and
// validated the length-prefixed frame via ReadFrame). header is the 18-byte
// version+type+tx_id prefix; body is what follows.
func Decode(header []byte, body []byte) (Message, error) {
	if len(header) != headerFixedLen {
		return Message{}, Wrap(KindProtocol, nil, "short frame header")
	}
	if header[0] != wireVersion {
		return Message{}, Wrap(KindProtocol, nil, fmt.Sprintf("unsupported wire version %d", header[0]))
	}
	typ := MsgType(header[1])
	txID, err := ParseTxID(header[2:18])
	if err != nil {
		return Message{}, Wrap(KindProtocol, err, "decoding tx id")
	}
	m := Message{Type: typ, TxID: txID}

	switch typ {
	case MsgRequest:
		if len(body) < 14 {
			return Message{}, Wrap(KindProtocol, nil, "short request body")
		}
		m.Step = Step(body[0])
		codec := ChunkCodec(body[1])
		origLen := binary.BigEndian.Uint32(body[6:10])
		wireLen := binary.BigEndian.Uint32(body[10:14])
		rest := body[14:]
		if uint32(len(rest)) < wireLen {
			return Message{}, Wrap(KindProtocol, nil, "truncated chunk")
		}
		chunk := rest[:wireLen]
		if codec != CodecNone && len(chunk) > 0 {
			decompressed, err := decompressChunk(codec, chunk, int(origLen))
			if err != nil {
				return Message{}, Wrap(KindProtocol, err, "decompressing chunk")
			}
			chunk = decompressed
		}
		m.ChunkCodec = codec
		m.ChunkOffset = binary.BigEndian.Uint32(body[2:6])
		m.ChunkLen = origLen
		m.Chunk = chunk
	case MsgAck:
		if len(body) < 1 {
			return Message{}, Wrap(KindProtocol, nil, "short ack body")
		}
		m.Step = Step(body[0])
	case MsgAbort:
		m.Reason = string(body)
	case MsgQuery:
		// no body
	case MsgReport:
		if len(body) < 1 {
			return Message{}, Wrap(KindProtocol, nil, "short report body")
		}
		m.FinalStep = Step(body[0])
	default:
		return Message{}, Wrap(KindProtocol, nil, fmt.Sprintf("unknown message type %d", typ))
	}
	return m, nil
}

func compressChunk(codec ChunkCodec, src []byte) ([]byte, error) {
	switch codec {
	case CodecLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(src)))
		var c lz4.Compressor
		n, err := c.CompressBlock(src, dst)
		if err != nil {
			return nil, err
		}
		return dst[:n], nil
	case CodecZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(src, nil), nil
	default:
		return src, nil
	}
}

func decompressChunk(codec ChunkCodec, src []byte, origLen int) ([]byte, error) {
	switch codec {
	case CodecLZ4:
		dst := make([]byte, origLen)
		n, err := lz4.UncompressBlock(src, dst)
		if err != nil {
			return nil, err
		}
		return dst[:n], nil
	case CodecZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(src, make([]byte, 0, origLen))
	default:
		return src, nil
	}
}

// ReadFrame reads one length-prefixed frame from r, enforcing maxFrameBytes
// (§4.5, §8 boundary: max_frame_bytes is accepted, max_frame_bytes+1 is
// rejected) before any allocation proportional to the declared length. It
// never allocates the declared size before validating it fits the cap, so a
// fuzzed frame declaring length=2^31 cannot exhaust memory (§8 scenario 6).
func ReadFrame(r *bufio.Reader, maxFrameBytes uint32) (header []byte, body []byte, err error) {
	var lenBuf [4]byte
	if _, err = io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, nil, err
	}
	total := binary.BigEndian.Uint32(lenBuf[:])
	if total < headerFixedLen || total-headerFixedLen > maxFrameBytes {
		// Drain nothing further: the declared size alone is disqualifying.
		return nil, nil, Wrap(KindProtocol, nil, fmt.Sprintf("frame length %d exceeds cap", total))
	}
	buf := make([]byte, total)
	if _, err = io.ReadFull(r, buf); err != nil {
		return nil, nil, err
	}
	return buf[:headerFixedLen], buf[headerFixedLen:], nil
}

// WriteFrame writes a pre-encoded frame (see Encode) to w.
func WriteFrame(w io.Writer, frame []byte) error {
	_, err := w.Write(frame)
	return err
}
