package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jonathan/recipe-agent/internal/schemas"
)

// DefaultTimeout bounds a single stage call.
const DefaultTimeout = 60 * time.Second

const maxResponseBytes = 8 << 20

// codeUnsupportedInput is the error code stage services use to reject a video.
const codeUnsupportedInput = "UNSUPPORTED_INPUT"

// RemoteClient talks to the stage extraction services over HTTP JSON.
type RemoteClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewRemoteClient creates a reusable client for the services at baseURL.
// A zero timeout uses DefaultTimeout.
func NewRemoteClient(baseURL, apiKey string, timeout time.Duration) *RemoteClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &RemoteClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// post sends payload to path and decodes a response that must satisfy the named
// schema into v. Errors are classified with the stage failure markers.
func (c *RemoteClient) post(ctx context.Context, stage, path, schema string, payload, v any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return Wrap(ErrMalformedResponse, stage, "marshal payload", "", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return Wrap(ErrRemoteUnavailable, stage, "new request", "", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Wrap(ErrRemoteUnavailable, stage, "do request", "", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Wrap(ErrRemoteUnavailable, stage, "read response", "", err)
	}

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(stage, resp.StatusCode, raw)
	}

	// Some services report rejection inside a 200 envelope.
	if code, msg := errorCode(raw); code == codeUnsupportedInput {
		return Wrap(ErrUnsupportedInput, stage, "", msg, nil)
	}

	if err := schemas.Validate(schema, raw); err != nil {
		return Wrap(ErrMalformedResponse, stage, "validate response", "", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return Wrap(ErrMalformedResponse, stage, "decode response", "", err)
	}
	return nil
}

func classifyStatus(stage string, status int, raw []byte) error {
	code, msg := errorCode(raw)
	if msg == "" {
		msg = http.StatusText(status)
	}
	detail := fmt.Sprintf("status %d: %s", status, msg)

	switch {
	case code == codeUnsupportedInput:
		return Wrap(ErrUnsupportedInput, stage, "", detail, nil)
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return Wrap(ErrUnsupportedInput, stage, "", detail, nil)
	default:
		// 5xx, 429 and anything unexpected
		return Wrap(ErrRemoteUnavailable, stage, "", detail, nil)
	}
}

func errorCode(raw []byte) (string, string) {
	var body errorBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", ""
	}
	return body.Error.Code, body.Error.Message
}
