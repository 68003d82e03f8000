package stream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
)

var (
	// ErrStreamTerminated is returned when the body ends before a Done
	// event.
	ErrStreamTerminated = errors.New("stream terminated unexpectedly")
	// ErrFrameTooLarge is returned when a single frame outgrows the
	// decoder's limit.
	ErrFrameTooLarge = errors.New("stream frame too large")
	// ErrNotFinished is reported by Err when neither a Done event nor a
	// terminal error has been read yet.
	ErrNotFinished = errors.New("stream closed before completion")
)

const (
	DefaultMaxFrameSize = 16 << 20 // 16MB
	readChunkSize       = 4096
)

// Decoder reads events from a server-sent event body. It reads from the
// source only when no complete frame is buffered. A Decoder is not safe for
// concurrent use.
type Decoder struct {
	r        io.Reader
	buf      []byte
	pos      int      // bytes of buf already split into lines
	lines    []string // lines of the frame being assembled
	maxFrame int
	eof      bool
	done     bool
	err      error
}

type Option func(*Decoder)

// WithMaxFrameSize bounds the bytes buffered for one frame.
func WithMaxFrameSize(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.maxFrame = n
		}
	}
}

func NewDecoder(r io.Reader, opts ...Option) *Decoder {
	d := &Decoder{r: r, maxFrame: DefaultMaxFrameSize}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Next returns the next event. After a Done event it returns io.EOF. When
// the source ends first it returns ErrStreamTerminated; bytes of a frame
// that was never completed are discarded.
func (d *Decoder) Next() (Event, error) {
	for {
		if d.done {
			return Event{}, io.EOF
		}
		if d.err != nil {
			return Event{}, d.err
		}

		if lines, ok := d.nextFrame(); ok {
			ev, ok := parseFrame(lines)
			if !ok {
				continue
			}
			if ev.Kind == Done {
				d.done = true
			}
			return ev, nil
		}

		if d.eof {
			d.err = ErrStreamTerminated
			continue
		}
		if len(d.buf) > d.maxFrame {
			d.err = fmt.Errorf("%w: more than %d bytes without a frame boundary", ErrFrameTooLarge, d.maxFrame)
			continue
		}
		d.fill()
	}
}

// Err reports how decoding ended. It is nil once a Done event was read,
// the terminal error after one was returned, and ErrNotFinished while the
// stream is still open.
func (d *Decoder) Err() error {
	switch {
	case d.done:
		return nil
	case d.err != nil:
		return d.err
	}
	return ErrNotFinished
}

// All iterates over the remaining events. Iteration stops after Done or the
// first error, which is yielded.
func (d *Decoder) All() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			ev, err := d.Next()
			if err == io.EOF {
				return
			}
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}

func (d *Decoder) fill() {
	var chunk [readChunkSize]byte
	n, err := d.r.Read(chunk[:])
	d.buf = append(d.buf, chunk[:n]...)
	switch {
	case errors.Is(err, io.EOF):
		d.eof = true
	case err != nil:
		d.err = fmt.Errorf("reading stream: %w", err)
	}
}

// nextFrame splits buffered bytes into lines until a frame is complete. A
// frame ends at a blank line. A line holding a bare JSON object is a frame
// on its own.
func (d *Decoder) nextFrame() ([]string, bool) {
	for {
		i := bytes.IndexByte(d.buf[d.pos:], '\n')
		if i < 0 {
			return nil, false
		}
		line := string(bytes.TrimSuffix(d.buf[d.pos:d.pos+i], []byte{'\r'}))
		d.pos += i + 1

		switch {
		case line == "":
			if len(d.lines) == 0 {
				d.compact()
				continue
			}
			return d.take(), true
		case len(d.lines) == 0 && strings.HasPrefix(line, "{"):
			d.lines = append(d.lines, line)
			return d.take(), true
		}
		d.lines = append(d.lines, line)
	}
}

func (d *Decoder) take() []string {
	lines := d.lines
	d.lines = nil
	d.compact()
	return lines
}

func (d *Decoder) compact() {
	d.buf = append(d.buf[:0], d.buf[d.pos:]...)
	d.pos = 0
}

// parseFrame interprets the lines of one frame. ok is false for frames that
// carry nothing, such as a lone retry field.
func parseFrame(lines []string) (Event, bool) {
	var (
		ev      Event
		data    []string
		comment bool
	)
	for _, line := range lines {
		if strings.HasPrefix(line, ":") {
			comment = true
			continue
		}
		field, value, found := strings.Cut(line, ":")
		if !found {
			if strings.HasPrefix(line, "{") {
				data = append(data, line)
			}
			continue
		}
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Type = value
		case "data":
			data = append(data, value)
		case "id":
			ev.ID = value
		}
	}

	switch {
	case len(data) > 0:
		raw := strings.Join(data, "\n")
		ev.Raw = []byte(raw)
		if strings.TrimSpace(raw) == "[DONE]" {
			ev.Kind = Done
			if ev.Type == "" {
				ev.Type = "done"
			}
			return ev, true
		}
		decodeData(&ev, ev.Raw)
		return ev, true
	case ev.Type != "":
		decodeName(&ev)
		return ev, true
	case comment:
		ev.Kind = Heartbeat
		return ev, true
	}
	return Event{}, false
}

// CollectText reads events until Done and returns the concatenated text
// deltas.
func CollectText(d *Decoder) (string, error) {
	var sb strings.Builder
	for ev, err := range d.All() {
		if err != nil {
			return sb.String(), err
		}
		if s, ok := ev.TextDelta(); ok {
			sb.WriteString(s)
		}
	}
	return sb.String(), nil
}
