package mdstream

import (
	"context"
	"fmt"
	"io"
	"time"
)

// StreamSimulateRequest configures StreamSimulate.
type StreamSimulateRequest struct {
	Reader    io.Reader
	View      *View
	ChunkSize int
	Delay     time.Duration
}

// StreamSimulate feeds Reader into View in ChunkSize byte chunks, waiting
// Delay between chunks, to imitate an inference token stream. The view is
// closed when the reader is exhausted.
func StreamSimulate(ctx context.Context, req StreamSimulateRequest) error {
	if req.Reader == nil {
		return fmt.Errorf("stream simulate: Reader is nil")
	}
	if req.View == nil {
		return fmt.Errorf("stream simulate: View is nil")
	}
	if req.ChunkSize <= 0 {
		return fmt.Errorf("stream simulate: ChunkSize must be > 0")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var smallBuf [256]byte
	buf := smallBuf[:]
	if req.ChunkSize > len(smallBuf) {
		buf = make([]byte, req.ChunkSize)
	}
	buf = buf[:req.ChunkSize]
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		n, err := io.ReadFull(req.Reader, buf)
		if n > 0 {
			if _, werr := req.View.Write(buf[:n]); werr != nil {
				return fmt.Errorf("stream simulate: write: %w", werr)
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return fmt.Errorf("stream simulate: read: %w", err)
		}
		if req.Delay > 0 {
			if timer == nil {
				timer = time.NewTimer(req.Delay)
			} else {
				timer.Reset(req.Delay)
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("stream simulate: %w", ctx.Err())
			case <-timer.C:
			}
		}
	}
	return req.View.Close()
}
