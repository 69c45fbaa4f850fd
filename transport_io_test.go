package mcumgr

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"
)

// pipeRWC adapts an io.Pipe pair into the io.ReadWriteCloser IOTransport
// expects, for exercising it the way a serial port or TCP conn would be
// used in production.
type pipeRWC struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p pipeRWC) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p pipeRWC) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p pipeRWC) Close() error {
	p.w.Close()
	return p.r.Close()
}

// TestIOTransportRoundTrip verifies a frame written on one end of a
// length-prefixed stream is delivered whole on the other end, and that a
// full client Echo exchange works over it.
func TestIOTransportRoundTrip(t *testing.T) {
	t.Parallel()

	ar, bw := io.Pipe()
	br, aw := io.Pipe()

	a := NewIOTransport(pipeRWC{r: ar, w: aw})
	b := NewIOTransport(pipeRWC{r: br, w: bw})
	defer a.Close()
	defer b.Close()

	go func() {
		for frame := range b.Frames() {
			req, err := decodeFrame(frame)
			if err != nil {
				return
			}
			resp, err := encodeFrame(OpWriteResponse, req.Group, req.ID, req.Sequence, echoResponse{R: "pong"})
			if err != nil {
				return
			}
			if err := b.SendFrame(context.Background(), resp); err != nil {
				return
			}
		}
	}()

	client := NewClient(a)
	defer client.Close()

	got, err := client.Echo(context.Background(), "ping", time.Second)
	if err != nil {
		t.Fatalf("echo over io transport: %s", err)
	}
	if got != "pong" {
		t.Fatalf("got %q want %q", got, "pong")
	}
}

// TestIOTransportRejectsOversizedFrame covers the 2-byte length prefix's
// ceiling.
func TestIOTransportRejectsOversizedFrame(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	rwc := struct {
		io.Reader
		io.Writer
		io.Closer
	}{Reader: &buf, Writer: &buf, Closer: io.NopCloser(&buf)}

	tr := NewIOTransport(rwc)
	defer tr.Close()

	huge := make([]byte, 0x10000)
	if err := tr.SendFrame(context.Background(), huge); err == nil {
		t.Fatal("expected an error for an oversized frame")
	}
}
