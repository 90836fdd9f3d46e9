// Package playback implements the length-prefixed playback egress codec from
// spec.md §6: each message is a 4-byte little-endian length followed by that
// many bytes of payload, and a zero-length message signals end-of-reply. The
// transport is unidirectional (server -> client). The baseline payload is
// raw PCM; a connection may instead be configured for Opus framing via
// [NewOpusWriter]/[NewOpusReader], a documented extension gated behind a
// codec option rather than a change to the wire format itself.
//
// Grounded on pkg/audio/discord's connection.sendLoop framing discipline:
// one writer goroutine per connection, errors propagated rather than
// swallowed, adapted from Discord's Opus/UDP specifics to a generic
// io.Writer so the codec works over any duplex byte stream (WS binary
// frames, a raw TCP socket, etc.). The Opus path itself reuses
// pkg/audio/discord/opus.go's gopus wrapping, retuned from Discord's 48kHz
// stereo to Lumina's 16kHz mono frame size.
package playback

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"layeh.com/gopus"
)

// MaxChunkBytes bounds a single inbound chunk to guard against a malformed
// or hostile length prefix causing an unbounded allocation.
const MaxChunkBytes = 1 << 20 // 1 MiB

const (
	opusSampleRate = 16000
	opusChannels   = 1
	// opusFrameSamples matches turn.SamplesPerFrame: one 20ms frame at 16kHz.
	opusFrameSamples = 320
	opusFrameBytes   = opusFrameSamples * 2
)

// Writer serializes PCM chunks onto an underlying io.Writer using the §6
// length-prefix framing. Safe for concurrent use: [audio.Mixer]
// implementations may invoke their output callback from an internal
// goroutine, and Writer's mutex ensures a chunk is never interleaved with
// another writer's bytes mid-frame.
type Writer struct {
	mu  sync.Mutex
	w   io.Writer
	enc *gopus.Encoder // non-nil selects Opus framing over raw PCM
	buf []byte         // PCM pending re-framing into opusFrameBytes chunks
}

// NewWriter wraps w as a raw-PCM playback egress connection.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// NewOpusWriter wraps w as an Opus-framed playback egress connection. Callers
// must pair this with a client-side decoder configured for 16kHz mono, 20ms
// frames (opusFrameSamples). WriteChunk accepts PCM of any length; it is
// internally re-framed into fixed-size Opus frames, buffering any remainder
// until enough PCM has accumulated or End flushes it as a short final frame.
func NewOpusWriter(w io.Writer) (*Writer, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("playback: create opus encoder: %w", err)
	}
	return &Writer{w: w, enc: enc}, nil
}

// WriteChunk writes one PCM chunk. An empty or nil pcm is rejected; use End
// to signal end-of-reply, per §6 ("a zero-length message signals
// end-of-reply"). When Opus framing is active, pcm is buffered and encoded
// in opusFrameBytes-sized pieces; a short trailing remainder is held until
// the next WriteChunk or flushed by End.
func (pw *Writer) WriteChunk(pcm []byte) error {
	if len(pcm) == 0 {
		return fmt.Errorf("playback: WriteChunk called with empty chunk, use End instead")
	}
	pw.mu.Lock()
	defer pw.mu.Unlock()

	if pw.enc == nil {
		return pw.writeFrameLocked(pcm)
	}

	pw.buf = append(pw.buf, pcm...)
	for len(pw.buf) >= opusFrameBytes {
		frame := pw.buf[:opusFrameBytes]
		pw.buf = pw.buf[opusFrameBytes:]
		encoded, err := pw.enc.Encode(bytesToInt16s(frame), opusFrameSamples, opusFrameBytes)
		if err != nil {
			return fmt.Errorf("playback: opus encode: %w", err)
		}
		if err := pw.writeFrameLocked(encoded); err != nil {
			return err
		}
	}
	return nil
}

// End flushes any buffered sub-frame PCM as a final Opus frame (when Opus
// framing is active, the remainder is zero-padded to opusFrameBytes so the
// reader can decode every frame at the same fixed frame size), then writes
// the zero-length terminator message that signals end-of-reply.
func (pw *Writer) End() error {
	pw.mu.Lock()
	if pw.enc != nil && len(pw.buf) > 0 {
		remainder := make([]byte, opusFrameBytes)
		copy(remainder, pw.buf)
		pw.buf = nil
		encoded, err := pw.enc.Encode(bytesToInt16s(remainder), opusFrameSamples, opusFrameBytes)
		pw.mu.Unlock()
		if err != nil {
			return fmt.Errorf("playback: opus encode final frame: %w", err)
		}
		if err := pw.writeFrame(encoded); err != nil {
			return err
		}
		return pw.writeFrame(nil)
	}
	pw.mu.Unlock()
	return pw.writeFrame(nil)
}

// Close closes the underlying connection if it implements io.Closer. A
// no-op otherwise (e.g., when wrapping a bytes.Buffer in tests).
func (pw *Writer) Close() error {
	if c, ok := pw.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (pw *Writer) writeFrame(payload []byte) error {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	return pw.writeFrameLocked(payload)
}

// writeFrameLocked writes one framed message. Callers must hold pw.mu.
func (pw *Writer) writeFrameLocked(payload []byte) error {
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := pw.w.Write(header[:]); err != nil {
		return fmt.Errorf("playback: write length prefix: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := pw.w.Write(payload); err != nil {
		return fmt.Errorf("playback: write chunk: %w", err)
	}
	return nil
}

// ReadChunk reads one framed message from r and returns its raw payload
// without interpreting it: the codec (PCM or Opus) is a property of the
// connection, negotiated out of band, not of the frame. A nil, zero-length
// slice with a nil error signals end-of-reply. io.EOF is returned once the
// underlying stream closes cleanly between messages.
func ReadChunk(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(header[:])
	if n == 0 {
		return nil, nil
	}
	if n > MaxChunkBytes {
		return nil, fmt.Errorf("playback: chunk length %d exceeds max %d", n, MaxChunkBytes)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("playback: read chunk body: %w", err)
	}
	return buf, nil
}

// Reader wraps ReadChunk with an Opus decode step, for the client side of an
// Opus-framed playback connection created with [NewOpusWriter].
type Reader struct {
	r   io.Reader
	dec *gopus.Decoder
}

// NewOpusReader wraps r as an Opus-framed playback egress reader.
func NewOpusReader(r io.Reader) (*Reader, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("playback: create opus decoder: %w", err)
	}
	return &Reader{r: r, dec: dec}, nil
}

// ReadChunk reads one frame and decodes it to PCM. A nil, zero-length slice
// with a nil error signals end-of-reply, matching [ReadChunk].
func (or *Reader) ReadChunk() ([]byte, error) {
	frame, err := ReadChunk(or.r)
	if err != nil || len(frame) == 0 {
		return frame, err
	}
	pcm, err := or.dec.Decode(frame, opusFrameSamples, false)
	if err != nil {
		return nil, fmt.Errorf("playback: opus decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

// bytesToInt16s converts little-endian PCM bytes to int16 samples, as
// required by gopus's Encode/Decode signatures.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// int16sToBytes converts int16 PCM samples back to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
