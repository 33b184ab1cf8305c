package transport

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"scriptstream/internal/config"
	"scriptstream/internal/util"
)

const (
	scannerBufferSize  = 64 * 1024
	maxScannerLineSize = 2 * 1024 * 1024
	maxErrorBodySize   = 8 * 1024
)

// StatusError is a non-2xx upstream response.
type StatusError struct {
	Code       int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Code, util.Preview(e.Body, 160))
}

// Stream is one logical HTTP attempt against the upstream. Either Final is
// set (the upstream answered with a plain JSON body and there is nothing to
// reconstruct) or fragments are pulled with Next until io.EOF.
type Stream struct {
	// Final is the complete structured result for a non-streaming response.
	Final map[string]any

	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Open sends one authenticated POST and wires up the response for fragment
// consumption. Network and decode state past the status line stays inside
// the returned Stream; callers must Close it on every path.
func (c *Client) Open(ctx context.Context, endpoint string, params map[string]any, token string) (*Stream, error) {
	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("transport: encode params: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("transport: new request: %w", err)
	}
	req.Header.Set("Accept", "application/x-ndjson")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	// Setting Accept-Encoding ourselves disables the stdlib auto-gunzip, so
	// both encodings are decoded below.
	req.Header.Set("Accept-Encoding", "gzip, br")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		_ = resp.Body.Close()
		return nil, &StatusError{
			Code:       resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	reader, err := decodeBody(resp)
	if err != nil {
		_ = resp.Body.Close()
		return nil, err
	}

	if isPlainJSON(resp.Header.Get("Content-Type")) {
		defer resp.Body.Close()
		var final map[string]any
		if err := json.NewDecoder(reader).Decode(&final); err != nil {
			return nil, fmt.Errorf("transport: decode json body: %w", err)
		}
		return &Stream{Final: final}, nil
	}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, scannerBufferSize), maxScannerLineSize)
	return &Stream{body: resp.Body, scanner: scanner}, nil
}

// Next returns the next valid fragment text. Lines that decode into neither
// recognized shape are dropped with a debug note; only scanner-level failures
// end the stream with an error. io.EOF signals a clean end.
func (s *Stream) Next() (string, error) {
	if s.scanner == nil {
		return "", io.EOF
	}
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		text, ok := decodeFragment(line)
		if !ok {
			config.Logger.Debug("dropping malformed fragment", "line", util.Preview(string(line), 120))
			continue
		}
		return text, nil
	}
	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("transport: read stream: %w", err)
	}
	return "", io.EOF
}

func (s *Stream) Close() error {
	if s.body == nil {
		return nil
	}
	return s.body.Close()
}

// decodeFragment accepts the two record shapes the upstream emits: a flat
// {"text": "..."} envelope, or the provider-native
// candidates[0].content.parts[0].text nesting.
func decodeFragment(line []byte) (string, bool) {
	var record map[string]any
	if err := json.Unmarshal(line, &record); err != nil {
		return "", false
	}
	if text, ok := record["text"].(string); ok {
		return text, true
	}
	candidates, ok := record["candidates"].([]any)
	if !ok || len(candidates) == 0 {
		return "", false
	}
	first, ok := candidates[0].(map[string]any)
	if !ok {
		return "", false
	}
	content, ok := first["content"].(map[string]any)
	if !ok {
		return "", false
	}
	parts, ok := content["parts"].([]any)
	if !ok || len(parts) == 0 {
		return "", false
	}
	part, ok := parts[0].(map[string]any)
	if !ok {
		return "", false
	}
	text, ok := part["text"].(string)
	return text, ok
}

func decodeBody(resp *http.Response) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return resp.Body, nil
	case "br":
		return brotli.NewReader(resp.Body), nil
	case "gzip":
		r, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("transport: gzip reader: %w", err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("transport: unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}
}

func isPlainJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json"
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil {
		if delay := time.Until(when); delay > 0 {
			return delay
		}
	}
	return 0
}
