package providers

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/contextgate/types"
)

// DefaultTimeout is the HTTP client timeout applied when a provider config
// leaves it zero.
const DefaultTimeout = 60 * time.Second

// NewHTTPClient returns the HTTP client used by provider adapters.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// MapHTTPError maps a provider HTTP status to a gateway error. The raw
// provider message is preserved verbatim: the overflow detector pattern
// matches on it later.
func MapHTTPError(status int, msg, provider string) *types.Error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &types.Error{
			Code: types.ErrAuthentication, Message: msg,
			HTTPStatus: status, Provider: provider,
		}
	case http.StatusTooManyRequests:
		return &types.Error{
			Code: types.ErrRateLimited, Message: msg,
			HTTPStatus: status, Retryable: true, Provider: provider,
		}
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		msgLower := strings.ToLower(msg)
		if strings.Contains(msgLower, "quota") || strings.Contains(msgLower, "credit") {
			return &types.Error{
				Code: types.ErrQuotaExceeded, Message: msg,
				HTTPStatus: status, Provider: provider,
			}
		}
		return &types.Error{
			Code: types.ErrInvalidRequest, Message: msg,
			HTTPStatus: status, Provider: provider,
		}
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return &types.Error{
			Code: types.ErrUpstreamError, Message: msg,
			HTTPStatus: status, Retryable: true, Provider: provider,
		}
	default:
		return &types.Error{
			Code: types.ErrUpstreamError, Message: msg,
			HTTPStatus: status, Provider: provider,
		}
	}
}

// ReadErrorMessage extracts a human-readable message from a provider error
// response body, falling back to the raw text.
func ReadErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil {
		return "failed to read error response"
	}

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    any    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		if errResp.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
		}
		return errResp.Error.Message
	}

	return string(data)
}

// DetectImageMediaType sniffs the media type of base64-encoded image bytes.
// Magic numbers sit in the first few bytes, so only a short prefix is
// decoded. Unknown or undecodable data falls back to image/png.
func DetectImageMediaType(data string) string {
	const maxPrefix = 512
	s := data
	if len(s) > maxPrefix {
		s = s[:maxPrefix]
	}
	// Truncate to a whole base64 quantum.
	s = s[:len(s)-len(s)%4]
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) == 0 {
		return "image/png"
	}
	mt := http.DetectContentType(raw)
	if !strings.HasPrefix(mt, "image/") {
		return "image/png"
	}
	return mt
}

// WriteEvent writes one SSE-framed event to the sink.
func WriteEvent(sink io.Writer, payload []byte) error {
	if _, err := fmt.Fprintf(sink, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// WriteJSONEvent marshals v and writes it as one SSE-framed event.
func WriteJSONEvent(sink io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return WriteEvent(sink, payload)
}

// WriteDone writes the SSE terminator.
func WriteDone(sink io.Writer) error {
	if _, err := io.WriteString(sink, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("write done: %w", err)
	}
	return nil
}

// CopySSE forwards an upstream SSE body to the sink line by line, ensuring
// the stream is terminated with the [DONE] sentinel even when the upstream
// omits it.
func CopySSE(body io.Reader, sink io.Writer) error {
	sawDone := false
	buf := make([]byte, 0, 4096)
	rd := make([]byte, 4096)
	for {
		n, err := body.Read(rd)
		if n > 0 {
			buf = append(buf, rd[:n]...)
			for {
				idx := bytes.IndexByte(buf, '\n')
				if idx < 0 {
					break
				}
				line := strings.TrimRight(string(buf[:idx]), "\r")
				buf = buf[idx+1:]
				if line == "" {
					continue
				}
				if !strings.HasPrefix(line, "data:") {
					continue
				}
				if strings.TrimSpace(strings.TrimPrefix(line, "data:")) == "[DONE]" {
					sawDone = true
				}
				if _, werr := fmt.Fprintf(sink, "%s\n\n", line); werr != nil {
					return fmt.Errorf("forward event: %w", werr)
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read upstream stream: %w", err)
		}
	}
	if !sawDone {
		return WriteDone(sink)
	}
	return nil
}
