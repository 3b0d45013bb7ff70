package netchan

import (
	"errors"
	"io"
	"os"
)

type stdio struct {
	io.Reader
	io.Writer
}

// Close closes whichever of the reader and writer are closers.
func (s stdio) Close() error {
	var errs []error
	if c, ok := s.Reader.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if c, ok := s.Writer.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// NewStdio reads from r and writes to w. Nil arguments default to the
// process's standard input and output.
func NewStdio(r io.Reader, w io.Writer, opts ...Option) *Conn {
	if r == nil {
		r = os.Stdin
	}
	if w == nil {
		w = os.Stdout
	}
	return newConn(stdio{Reader: r, Writer: w}, "stdio", opts...)
}
