package utils

import (
	"bytes"
	"io"
	"net"
	"testing"
)

func TestRewindConn(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	go func() {
		client.Write([]byte(" world")) // skipcq: GO-E1007
		client.Close()
	}()

	rewound, err := RewindConn(server, []byte("hello"))
	if err != nil {
		t.Fatalf("RewindConn failed: %v", err)
	}
	defer rewound.Close()

	out, err := io.ReadAll(rewound)
	if err != nil {
		t.Fatalf("io.ReadAll failed: %v", err)
	}
	if !bytes.Equal(out, []byte("hello world")) {
		t.Errorf("read %q, want %q", out, "hello world")
	}
}

func TestRewindConnEmptyBuf(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	if rewound, err := RewindConn(server, nil); err != nil || rewound != server {
		t.Error("RewindConn wrapped the connection for an empty buffer")
	}
}

func TestRewindConnNil(t *testing.T) {
	if _, err := RewindConn(nil, []byte("x")); err == nil {
		t.Error("RewindConn accepted a nil connection")
	}
}
