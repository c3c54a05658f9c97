package vlessd_test

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	. "github.com/gaukas/vlessd"
)

func TestHeaderTrackerHandleMessage(t *testing.T) {
	tracker := NewHeaderTracker()
	defer tracker.Close()

	frame := buildFrame(testID, nil, 1, 443, 1, []byte{192, 168, 0, 1}, nil)
	if err := tracker.HandleMessage("10.0.0.2:51234", frame); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}

	hdr := tracker.Peek("10.0.0.2:51234")
	if hdr == nil {
		t.Fatal("Peek returned nil after deposit")
	}
	if hdr.Address != "192.168.0.1" {
		t.Errorf("hdr.Address = %q, want %q", hdr.Address, "192.168.0.1")
	}

	// Peek must not remove the entry, Pop must
	if tracker.Peek("10.0.0.2:51234") == nil {
		t.Error("Peek removed the entry")
	}
	if tracker.Pop("10.0.0.2:51234") == nil {
		t.Error("Pop returned nil for a deposited entry")
	}
	if tracker.Pop("10.0.0.2:51234") != nil {
		t.Error("Pop returned an entry twice")
	}
}

func TestHeaderTrackerHandleMessageInvalid(t *testing.T) {
	tracker := NewHeaderTracker()
	defer tracker.Close()

	if err := tracker.HandleMessage("key", []byte{1, 2, 3}); err != ErrBufferTooSmall {
		t.Errorf("HandleMessage = %v, want ErrBufferTooSmall", err)
	}
	if tracker.Peek("key") != nil {
		t.Error("failed decode deposited an entry")
	}
}

func TestHeaderTrackerHandleTCPConn(t *testing.T) {
	tracker := NewHeaderTracker()
	defer tracker.Close()

	payload := []byte("stream payload")
	frame := buildFrame(testID, nil, 2, 1080, 2, append([]byte{7}, []byte("example")...), payload)

	client, server := net.Pipe()
	defer client.Close()

	go func() {
		client.Write(frame) // skipcq: GO-E1007
	}()

	rewound, err := tracker.HandleTCPConn(server)
	if err != nil {
		t.Fatalf("HandleTCPConn failed: %v", err)
	}
	defer rewound.Close()

	hdr := tracker.Peek(server.RemoteAddr().String())
	if hdr == nil {
		t.Fatal("Peek returned nil after HandleTCPConn")
	}
	if hdr.Address != "example" || hdr.Command != CommandUDP {
		t.Errorf("unexpected header: %+v", hdr)
	}

	// the rewound connection must replay the stream from its first byte
	replayed := make([]byte, len(frame))
	if _, err := io.ReadFull(rewound, replayed); err != nil {
		t.Fatalf("reading rewound stream failed: %v", err)
	}
	if !bytes.Equal(replayed, frame) {
		t.Errorf("rewound stream = %x, want %x", replayed, frame)
	}
}

// TestHeaderTrackerHandleTCPConnNonFrame runs a connection carrying a plain
// HTTP request through HandleTCPConn and checks that, the failed decode
// notwithstanding, the returned connection replays the request from its
// first byte.
func TestHeaderTrackerHandleTCPConnNonFrame(t *testing.T) {
	tracker := NewHeaderTracker()
	defer tracker.Close()

	request := []byte("GET /inspect HTTP/1.1\r\nHost: example.com\r\n\r\n")

	client, server := net.Pipe()

	go func() {
		client.Write(request) // skipcq: GO-E1007
		client.Close()
	}()

	rewound, err := tracker.HandleTCPConn(server)
	if err == nil {
		t.Fatal("HandleTCPConn decoded a header from a non-frame stream")
	}
	if rewound == nil {
		t.Fatal("HandleTCPConn returned a nil conn on failure")
	}
	defer rewound.Close()

	if tracker.Peek(server.RemoteAddr().String()) != nil {
		t.Error("failed decode deposited an entry")
	}

	replayed, err := io.ReadAll(rewound)
	if err != nil {
		t.Fatalf("reading rewound stream failed: %v", err)
	}
	if !bytes.Equal(replayed, request) {
		t.Errorf("rewound stream = %q, want %q", replayed, request)
	}
}

func TestHeaderTrackerExpiry(t *testing.T) {
	tracker := NewHeaderTrackerWithTimeout(50 * time.Millisecond)
	defer tracker.Close()

	frame := buildFrame(testID, nil, 1, 443, 1, []byte{192, 168, 0, 1}, nil)
	if err := tracker.HandleMessage("key", frame); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}

	if tracker.Peek("key") == nil {
		t.Fatal("Peek returned nil before expiry")
	}

	time.Sleep(300 * time.Millisecond)

	if tracker.Peek("key") != nil {
		t.Error("entry survived past its expiry")
	}
}

func TestHeaderTrackerClosed(t *testing.T) {
	tracker := NewHeaderTracker()
	tracker.Close()

	frame := buildFrame(testID, nil, 1, 443, 1, []byte{192, 168, 0, 1}, nil)
	if err := tracker.HandleMessage("key", frame); err == nil {
		t.Error("HandleMessage succeeded on a closed tracker")
	}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	if _, err := tracker.HandleTCPConn(server); err == nil {
		t.Error("HandleTCPConn succeeded on a closed tracker")
	}
}
