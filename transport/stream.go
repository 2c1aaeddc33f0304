package transport

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/m4xw311/acpconn/errors"
	"github.com/m4xw311/acpconn/jsonrpc"
	"github.com/m4xw311/acpconn/logger"
	"go.uber.org/zap"
)

// DefaultMaxLineSize bounds a single inbound frame.
const DefaultMaxLineSize = 16 << 20

type options struct {
	log         *logger.Logger
	maxLineSize int
}

// Option configures a transport.
type Option func(*options)

// WithLogger sets the logger used for framing warnings.
func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMaxLineSize overrides DefaultMaxLineSize. Longer lines are skipped.
func WithMaxLineSize(n int) Option {
	return func(o *options) { o.maxLineSize = n }
}

func buildOptions(opts []Option) options {
	o := options{maxLineSize: DefaultMaxLineSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Default()
	}
	if o.maxLineSize <= 0 {
		o.maxLineSize = DefaultMaxLineSize
	}
	return o
}

// Stream is a newline-delimited frame transport over a reader/writer pair.
// Readers and writers that implement io.Closer are closed by Close.
type Stream struct {
	r       *bufio.Reader
	rc      io.Closer
	w       *bufio.Writer
	wc      io.Closer
	log     *logger.Logger
	maxLine int

	wmu       sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewStream creates a Stream reading frames from r and writing them to w.
func NewStream(r io.Reader, w io.Writer, opts ...Option) *Stream {
	o := buildOptions(opts)
	s := &Stream{
		r:       bufio.NewReaderSize(r, 64*1024),
		w:       bufio.NewWriter(w),
		log:     o.log.WithComponent("transport"),
		maxLine: o.maxLineSize,
	}
	if c, ok := r.(io.Closer); ok {
		s.rc = c
	}
	if c, ok := w.(io.Closer); ok {
		s.wc = c
	}
	return s
}

// Stdio binds a Stream to the process's standard input and output.
func Stdio(opts ...Option) *Stream {
	return NewStream(os.Stdin, os.Stdout, opts...)
}

// ReadFrame returns the next well-formed frame. Blank lines are ignored,
// malformed lines are logged and skipped, and io.EOF marks the end of the
// stream.
func (s *Stream) ReadFrame(ctx context.Context) (*jsonrpc.Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		line, tooLong, err := s.readLine()
		switch {
		case tooLong:
			s.log.Warn("skipping oversized frame", zap.Int("limit", s.maxLine))
		case len(bytes.TrimSpace(line)) > 0:
			m, decErr := jsonrpc.Decode(line)
			if decErr == nil {
				return m, nil
			}
			s.log.Warn("skipping malformed frame", zap.Error(decErr))
		}

		if err != nil {
			if s.closed.Load() {
				return nil, ErrClosed
			}
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, errors.Wrapf(err, "read frame")
		}
	}
}

// readLine reads up to and including the next newline. Lines above the size
// limit are drained and reported with tooLong set.
func (s *Stream) readLine() (line []byte, tooLong bool, err error) {
	for {
		chunk, rerr := s.r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > s.maxLine {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if rerr == bufio.ErrBufferFull {
			continue
		}
		return line, tooLong, rerr
	}
}

// WriteFrame encodes m and writes it as a single flushed line.
func (s *Stream) WriteFrame(ctx context.Context, m *jsonrpc.Message) error {
	b, err := jsonrpc.Encode(m)
	if err != nil {
		return errors.Wrapf(err, "encode frame")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}
	if _, err := s.w.Write(b); err != nil {
		return errors.Wrapf(err, "write frame")
	}
	if err := s.w.Flush(); err != nil {
		return errors.Wrapf(err, "flush frame")
	}
	return nil
}

// Close waits for an in-flight write, then closes the write and read ends.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.wmu.Lock()
		s.closed.Store(true)
		var errs []error
		if s.wc != nil {
			errs = append(errs, s.wc.Close())
		}
		s.wmu.Unlock()

		if s.rc != nil && s.rc != s.wc {
			errs = append(errs, s.rc.Close())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
