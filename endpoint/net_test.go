package endpoint_test

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/flowframe/wsdriver/endpoint"
)

func TestFillWouldBlockThenReadable(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ep := endpoint.New(server)

	buf := make([]byte, 16)
	n, err := ep.Fill(buf)
	if err != nil {
		t.Fatalf("unexpected error on empty fill: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 bytes before any data arrives, got %d", n)
	}

	readable := make(chan struct{}, 1)
	ep.SetCallbacks(func() { readable <- struct{}{} }, nil)
	ep.FillInterested()

	go func() {
		client.Write([]byte("hello"))
	}()

	select {
	case <-readable:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for onReadable")
	}

	n, err = ep.Fill(buf)
	if err != nil {
		t.Fatalf("unexpected error reading staged bytes: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", buf[:n])
	}
}

func TestFillReportsEOF(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer server.Close()

	ep := endpoint.New(server)

	done := make(chan struct{})
	ep.SetCallbacks(func() { close(done) }, nil)
	ep.FillInterested()

	client.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for onReadable after peer close")
	}

	_, err := ep.Fill(make([]byte, 16))
	if err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestFlushWritesAllBuffers(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ep := endpoint.New(server)

	go func() {
		ok, err := ep.Flush([]byte("ab"), []byte("cd"))
		if err != nil || !ok {
			t.Errorf("flush failed: ok=%v err=%v", ok, err)
		}
	}()

	buf := make([]byte, 4)
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(buf) != "abcd" {
		t.Fatalf("expected concatenated writes \"abcd\", got %q", buf)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	_, server := net.Pipe()
	ep := endpoint.New(server)

	if err := ep.Close(); err != nil {
		t.Fatalf("unexpected error on first close: %v", err)
	}
	if err := ep.Close(); err != nil {
		t.Fatalf("unexpected error on second close: %v", err)
	}
}

func TestIdleTimeoutFires(t *testing.T) {
	t.Parallel()

	_, server := net.Pipe()
	defer server.Close()

	ep := endpoint.New(server)

	fired := make(chan struct{})
	ep.SetCallbacks(nil, func() { close(fired) })
	ep.SetIdleTimeout(20)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("idle timeout never fired")
	}
}
