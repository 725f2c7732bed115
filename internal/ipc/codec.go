// Package ipc carries replicad's request/reply and data-stream traffic over
// gRPC. Messages are plain frame lists rather than protobufs: the "frames"
// codec writes each frame as a big-endian uint32 length followed by the
// frame bytes, and the service descriptors below are written by hand.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype of the frames codec.
const CodecName = "frames"

// MaxFrameSize bounds a single decoded frame.
const MaxFrameSize = 64 << 20

// ErrMalformed is returned for undecodable messages and for messages whose
// frames do not follow the expected protocol.
var ErrMalformed = errors.New("ipc: malformed message")

// Reply commands understood by every client.
const (
	ReplySuccess = "SUCCESS"
	ReplyError   = "ERROR"
)

// Frames is one message: an ordered list of opaque frames. By convention the
// first frame names a command.
type Frames [][]byte

// NewFrames builds a message from string frames.
func NewFrames(parts ...string) *Frames {
	f := make(Frames, len(parts))
	for i, p := range parts {
		f[i] = []byte(p)
	}
	return &f
}

// Success returns a SUCCESS reply carrying payload.
func Success(payload string) *Frames { return NewFrames(ReplySuccess, payload) }

// Error returns an ERROR reply carrying msg.
func Error(msg string) *Frames { return NewFrames(ReplyError, msg) }

// Command returns the first frame, or "" for an empty message.
func (f *Frames) Command() string {
	return f.Arg(0)
}

// Arg returns frame i as a string, or "" when there is no such frame.
func (f *Frames) Arg(i int) string {
	if f == nil || i < 0 || i >= len(*f) {
		return ""
	}
	return string((*f)[i])
}

// Raw returns frame i without copying, or nil.
func (f *Frames) Raw(i int) []byte {
	if f == nil || i < 0 || i >= len(*f) {
		return nil
	}
	return (*f)[i]
}

// Len returns the number of frames.
func (f *Frames) Len() int {
	if f == nil {
		return 0
	}
	return len(*f)
}

type codec struct{}

func init() {
	encoding.RegisterCodec(codec{})
}

func (codec) Name() string { return CodecName }

func (codec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*Frames)
	if !ok {
		return nil, fmt.Errorf("ipc: cannot marshal %T", v)
	}
	size := 0
	for _, fr := range *f {
		size += 4 + len(fr)
	}
	buf := make([]byte, 0, size)
	for _, fr := range *f {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(fr)))
		buf = append(buf, fr...)
	}
	return buf, nil
}

func (codec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*Frames)
	if !ok {
		return fmt.Errorf("ipc: cannot unmarshal into %T", v)
	}
	out := Frames{}
	for len(data) > 0 {
		if len(data) < 4 {
			return fmt.Errorf("%w: truncated frame header", ErrMalformed)
		}
		n := binary.BigEndian.Uint32(data)
		data = data[4:]
		if n > MaxFrameSize {
			return fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrMalformed, n)
		}
		if uint32(len(data)) < n {
			return fmt.Errorf("%w: frame truncated at %d of %d bytes", ErrMalformed, len(data), n)
		}
		// data is owned by grpc only for the duration of the call.
		fr := make([]byte, n)
		copy(fr, data[:n])
		out = append(out, fr)
		data = data[n:]
	}
	*f = out
	return nil
}
