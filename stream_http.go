package mdstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

const streamReadSize = 4096

// HTTPStreamRequest configures StreamHTTP.
type HTTPStreamRequest struct {
	URL    string
	Client *http.Client
	View   *View
}

// StreamHTTP fetches Markdown over HTTP(S) and writes the body into the view
// as it arrives. The view is closed when the body ends.
func StreamHTTP(ctx context.Context, req HTTPStreamRequest) error {
	if req.URL == "" {
		return fmt.Errorf("stream http: URL is required")
	}
	if req.View == nil {
		return fmt.Errorf("stream http: View is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	client := req.Client
	if client == nil {
		client = http.DefaultClient
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return fmt.Errorf("stream http: build request: %w", err)
	}
	if httpReq.URL.Scheme != "http" && httpReq.URL.Scheme != "https" {
		return fmt.Errorf("stream http: unsupported scheme %q", httpReq.URL.Scheme)
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("stream http: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("stream http: status %s", resp.Status)
	}
	if err := copyChunks(req.View, resp.Body); err != nil {
		return fmt.Errorf("stream http: %w", err)
	}
	return req.View.Close()
}

// copyChunks writes every read from r into v as its own chunk.
func copyChunks(v *View, r io.Reader) error {
	var buf [streamReadSize]byte
	for {
		n, err := r.Read(buf[:])
		if n > 0 {
			if _, werr := v.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write: %w", werr)
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
	}
}
