package starlarkrun

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Content types used when a response stream travels over HTTP.
const (
	ContentTypeProtobuf = "application/x-protobuf"
	ContentTypeNDJSON   = "application/x-ndjson"
)

// MaxFrameSize bounds a single length-delimited frame or NDJSON line.
const MaxFrameSize = 64 << 20

// ErrFrameTooLarge is returned when a frame or line exceeds MaxFrameSize bytes.
var ErrFrameTooLarge = errors.New("starlark run: frame exceeds maximum size")

// LineSource yields response lines in order. Recv returns io.EOF once the
// producer closed the stream.
type LineSource interface {
	Recv() (ResponseLine, error)
}

// LineSink accepts response lines in order.
type LineSink interface {
	Send(ResponseLine) error
}

// Encoding selects a stream framing.
type Encoding string

const (
	EncodingProtobuf Encoding = "protobuf"
	EncodingNDJSON   Encoding = "ndjson"
)

// ContentType returns the HTTP content type for the encoding.
func (e Encoding) ContentType() string {
	if e == EncodingProtobuf {
		return ContentTypeProtobuf
	}
	return ContentTypeNDJSON
}

// EncodingForContentType maps an HTTP content type to an encoding. Unknown
// types fall back to NDJSON.
func EncodingForContentType(contentType string) Encoding {
	if contentType == ContentTypeProtobuf {
		return EncodingProtobuf
	}
	return EncodingNDJSON
}

// Writer frames lines onto an io.Writer.
type Writer struct {
	mu       sync.Mutex
	w        io.Writer
	encoding Encoding
	flush    func()
}

// NewWriter builds a writer for the encoding. When w implements
// http.Flusher-style Flush() every line is flushed immediately.
func NewWriter(w io.Writer, encoding Encoding) *Writer {
	out := &Writer{w: w, encoding: encoding}
	if f, ok := w.(interface{ Flush() }); ok {
		out.flush = f.Flush
	}
	return out
}

// Send writes one line.
func (w *Writer) Send(line ResponseLine) error {
	var payload []byte
	var err error
	if w.encoding == EncodingProtobuf {
		var body []byte
		body, err = MarshalResponseLine(line)
		if err == nil {
			payload = binary.AppendUvarint(make([]byte, 0, len(body)+binary.MaxVarintLen64), uint64(len(body)))
			payload = append(payload, body...)
		}
	} else {
		payload, err = MarshalJSONLine(line)
		payload = append(payload, '\n')
	}
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(payload); err != nil {
		return err
	}
	if w.flush != nil {
		w.flush()
	}
	return nil
}

// Reader decodes framed lines from an io.Reader.
type Reader struct {
	r        *bufio.Reader
	encoding Encoding
	closer   io.Closer
	maxFrame int
}

// NewReader builds a reader for the encoding. If r is an io.Closer it is
// closed by Close.
func NewReader(r io.Reader, encoding Encoding) *Reader {
	out := &Reader{r: bufio.NewReader(r), encoding: encoding, maxFrame: MaxFrameSize}
	if c, ok := r.(io.Closer); ok {
		out.closer = c
	}
	return out
}

// Recv returns the next line or io.EOF at a clean end of stream.
func (r *Reader) Recv() (ResponseLine, error) {
	if r.encoding == EncodingProtobuf {
		return r.recvDelimited()
	}
	return r.recvNDJSON()
}

func (r *Reader) recvDelimited() (ResponseLine, error) {
	size, err := binary.ReadUvarint(r.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	if size > uint64(r.maxFrame) {
		return nil, ErrFrameTooLarge
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(r.r, frame); err != nil {
		return nil, fmt.Errorf("read frame: %w", io.ErrUnexpectedEOF)
	}
	return UnmarshalResponseLine(frame)
}

func (r *Reader) recvNDJSON() (ResponseLine, error) {
	for {
		raw, err := r.readLine()
		raw = bytes.TrimSpace(raw)
		if len(raw) > 0 {
			return UnmarshalJSONLine(raw)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, err
		}
	}
}

// readLine reads up to and including the next newline, failing once the
// line grows past maxFrame bytes.
func (r *Reader) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.r.ReadSlice('\n')
		if len(line)+len(chunk) > r.maxFrame {
			return nil, ErrFrameTooLarge
		}
		line = append(line, chunk...)
		if !errors.Is(err, bufio.ErrBufferFull) {
			return line, err
		}
	}
}

// Close releases the underlying reader when it is closable.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// ChannelSource adapts a channel of lines to a LineSource. A closed channel
// reads as io.EOF.
type ChannelSource struct {
	ctx   context.Context
	lines <-chan ResponseLine
}

// FromChannel wraps ch. Recv gives up with ctx.Err() once ctx is done.
func FromChannel(ctx context.Context, ch <-chan ResponseLine) *ChannelSource {
	return &ChannelSource{ctx: ctx, lines: ch}
}

// Recv implements LineSource.
func (c *ChannelSource) Recv() (ResponseLine, error) {
	select {
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	case line, ok := <-c.lines:
		if !ok {
			return nil, io.EOF
		}
		return line, nil
	}
}

// Pipe copies every line from src to dst until src ends. The number of lines
// copied is returned.
func Pipe(dst LineSink, src LineSource) (int, error) {
	count := 0
	for {
		line, err := src.Recv()
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			return count, err
		}
		if err := dst.Send(line); err != nil {
			return count, err
		}
		count++
	}
}
