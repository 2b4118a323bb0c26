package server

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/libp2p/go-yamux/v4"
)

type peerStream interface {
	io.ReadWriteCloser
	SetDeadline(time.Time) error
}

// deadlineAdjuster moves the stream deadline forward before every read and
// write so that only idle streams time out. The deadline never moves past
// the hard timeout counted from the stream creation.
type deadlineAdjuster struct {
	peerStream
	desc         string
	timeout      time.Duration
	hardTimeout  time.Duration
	clock        clockwork.Clock
	start        time.Time
	hardDeadline time.Time
	nread        int
	nwritten     int
}

func newDeadlineAdjuster(stream peerStream, desc string, timeout, hardTimeout time.Duration) *deadlineAdjuster {
	return &deadlineAdjuster{
		peerStream:  stream,
		desc:        desc,
		timeout:     timeout,
		hardTimeout: hardTimeout,
		clock:       clockwork.NewRealClock(),
	}
}

func (dadj *deadlineAdjuster) augmentError(what string, err error) error {
	if !errors.Is(err, os.ErrDeadlineExceeded) && !errors.Is(err, yamux.ErrTimeout) {
		return err
	}
	return fmt.Errorf("%s %s: %w (%d bytes read, %d bytes written, timeout %v, hard timeout %v)",
		what, dadj.desc, err, dadj.nread, dadj.nwritten, dadj.timeout, dadj.hardTimeout)
}

func (dadj *deadlineAdjuster) adjust() {
	now := dadj.clock.Now()
	if dadj.start.IsZero() {
		dadj.start = now
		dadj.hardDeadline = now.Add(dadj.hardTimeout)
	}
	deadline := now.Add(dadj.timeout)
	if deadline.After(dadj.hardDeadline) {
		deadline = dadj.hardDeadline
	}
	// not every stream implementation supports deadlines
	dadj.SetDeadline(deadline)
}

func (dadj *deadlineAdjuster) Read(p []byte) (int, error) {
	dadj.adjust()
	n, err := dadj.peerStream.Read(p)
	dadj.nread += n
	if err != nil {
		return n, dadj.augmentError("read", err)
	}
	return n, nil
}

func (dadj *deadlineAdjuster) Write(p []byte) (int, error) {
	dadj.adjust()
	n, err := dadj.peerStream.Write(p)
	dadj.nwritten += n
	if err != nil {
		return n, dadj.augmentError("write", err)
	}
	return n, nil
}
