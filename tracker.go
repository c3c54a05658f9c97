package vlessd

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gaukas/vlessd/internal/utils"
)

const DEFAULT_HEADER_EXPIRY = 10 * time.Second

// HeaderTracker keeps the decoded request header of recently seen
// connections, keyed by remote address. Entries expire on their own
// schedule so that a one-shot inspection endpoint can serve them shortly
// after the connection is established.
type HeaderTracker struct {
	mapHeaders *sync.Map

	timeout time.Duration
	closed  atomic.Bool
}

// NewHeaderTracker creates a new HeaderTracker.
func NewHeaderTracker() *HeaderTracker {
	return &HeaderTracker{
		mapHeaders: new(sync.Map),
		closed:     atomic.Bool{},
	}
}

// NewHeaderTrackerWithTimeout creates a new HeaderTracker whose entries
// expire after the given timeout.
func NewHeaderTrackerWithTimeout(timeout time.Duration) *HeaderTracker {
	return &HeaderTracker{
		mapHeaders: new(sync.Map),
		timeout:    timeout,
		closed:     atomic.Bool{},
	}
}

// SetTimeout sets the expiry for entries deposited from now on.
func (ht *HeaderTracker) SetTimeout(timeout time.Duration) {
	ht.timeout = timeout
}

// HandleMessage decodes a request header from p and deposits it under the
// given key.
func (ht *HeaderTracker) HandleMessage(from string, p []byte) error {
	if ht.closed.Load() {
		return errors.New("HeaderTracker closed")
	}

	hdr, err := DecodeHeader(p)
	if err != nil {
		return err
	}

	ht.deposit(from, hdr)
	return nil
}

// HandleTCPConn reads the request header from the connection, deposits it
// under the connection's remote address, and returns a connection rewound
// to its very first byte so the next reader still sees the whole stream.
//
// When the stream does not carry a valid header no deposit is made, but the
// returned connection is still rewound with the bytes consumed, so
// connections that never were frames pass through intact.
func (ht *HeaderTracker) HandleTCPConn(conn net.Conn) (rewindConn net.Conn, err error) {
	if ht.closed.Load() {
		return conn, errors.New("HeaderTracker closed")
	}

	hdr, err := ReadHeader(conn)
	if err != nil {
		// no matter what happens, rewind the connection
		rewindConn, rewindErr := utils.RewindConn(conn, hdr.Raw())
		if rewindErr != nil {
			return conn, rewindErr
		}
		return rewindConn, fmt.Errorf("failed to read request header from connection: %w", err)
	}

	ht.deposit(conn.RemoteAddr().String(), hdr)

	return utils.RewindConn(conn, hdr.Raw())
}

func (ht *HeaderTracker) deposit(key string, hdr *Header) {
	ht.mapHeaders.Store(key, hdr)
	go func(timeoutOverride time.Duration, key string, oldHdr *Header) {
		if timeoutOverride == time.Duration(0) {
			<-time.After(DEFAULT_HEADER_EXPIRY)
		} else {
			<-time.After(timeoutOverride)
		}
		ht.mapHeaders.CompareAndDelete(key, oldHdr)
	}(ht.timeout, key, hdr)
}

// Peek looks up the Header for a given key.
func (ht *HeaderTracker) Peek(from string) *Header {
	h, ok := ht.mapHeaders.Load(from)
	if !ok {
		return nil
	}

	hdr, ok := h.(*Header)
	if !ok {
		return nil
	}

	return hdr
}

// Pop looks up the Header for a given key and deletes it from the tracker
// if found.
func (ht *HeaderTracker) Pop(from string) *Header {
	h, ok := ht.mapHeaders.LoadAndDelete(from)
	if !ok {
		return nil
	}

	hdr, ok := h.(*Header)
	if !ok {
		return nil
	}

	return hdr
}

// Close closes the HeaderTracker. Further deposits are rejected; entries
// already deposited remain readable until they expire.
func (ht *HeaderTracker) Close() {
	ht.closed.Store(true)
}
