package mcumgr

import (
	"context"
	"io"
	"time"
)

// DownloadFileRequest parameterizes Client.DownloadFile.
type DownloadFileRequest struct {
	DevicePath string
	// SaveSink receives each chunk's bytes as they arrive, in order. The
	// caller owns it (open file, in-memory buffer, ...); this package has
	// no opinion on where downloaded bytes end up.
	SaveSink   io.Writer
	OnProgress func(float64)
	Timeout    time.Duration
}

// DownloadFile runs the resumable, sequential filesystem downloader:
// window is always 1, the first chunk's response carries the total file
// length, and a single chunk timeout fails the whole download (no
// inter-chunk retry).
func (c *Client) DownloadFile(ctx context.Context, req DownloadFileRequest) error {
	if req.Timeout == 0 {
		req.Timeout = DefaultTimeout
	}

	var off uint32
	var total uint32
	var gotTotal bool
	var received uint32

	for {
		resp, err := c.fsReadChunk(ctx, req.DevicePath, off, req.Timeout)
		if err != nil {
			return err
		}

		if !gotTotal {
			if resp.Len == nil {
				return wrap(KindUnexpectedPayload, nil, "first filesystem download response missing len")
			}
			total = *resp.Len
			gotTotal = true
		}

		if resp.Off != off {
			return wrap(KindUnexpectedPayload, nil, "filesystem download response offset diverged from request offset")
		}

		if received+uint32(len(resp.Data)) > total {
			return wrap(KindOverrun, nil, "filesystem download received more bytes than advertised length")
		}

		if len(resp.Data) > 0 {
			if _, err := req.SaveSink.Write(resp.Data); err != nil {
				return wrap(KindTransport, err, "write downloaded chunk to sink")
			}
		}

		received += uint32(len(resp.Data))
		off += uint32(len(resp.Data))

		if req.OnProgress != nil && total > 0 {
			req.OnProgress(float64(received) / float64(total))
		}

		if received == total {
			if req.OnProgress != nil && total == 0 {
				req.OnProgress(1)
			}
			return nil
		}

		if len(resp.Data) == 0 {
			// Device has nothing more to give us but we haven't reached
			// the advertised length: stop rather than loop forever.
			return wrap(KindUnexpectedPayload, nil, "filesystem download stalled before reaching advertised length")
		}
	}
}
