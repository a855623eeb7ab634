package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lingocast/lingocast/internal/fault"
)

// CloudProvider talks to the hosted speech synthesis API.
type CloudProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// Responses larger than this are treated as a provider malfunction.
const maxAudioBytes = 8 << 20

func NewCloudProvider(baseURL, apiKey string, timeout time.Duration) *CloudProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &CloudProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *CloudProvider) Name() string { return "cloud" }

func (p *CloudProvider) Synthesize(ctx context.Context, req Request) (Audio, error) {
	body, err := json.Marshal(map[string]string{
		"text":     req.Text,
		"language": req.Language,
		"quality":  req.Quality,
	})
	if err != nil {
		return Audio{}, fault.Internal("synth_request_encode", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/synthesize", bytes.NewReader(body))
	if err != nil {
		return Audio{}, fault.Internal("synth_request_build", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Audio{}, fault.Provider("provider_unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Audio{}, fault.Provider("provider_auth_rejected", fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return Audio{}, fault.Provider("provider_throttled", fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return Audio{}, fault.Provider("provider_unavailable", fmt.Errorf("status %d", resp.StatusCode))
	default:
		return Audio{}, fault.Provider("provider_rejected_request", fmt.Errorf("status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes+1))
	if err != nil {
		return Audio{}, fault.Provider("provider_read_failed", err)
	}
	if len(data) == 0 || len(data) > maxAudioBytes {
		return Audio{}, fault.Provider("provider_bad_payload", fmt.Errorf("%d bytes", len(data)))
	}

	encoding := resp.Header.Get("Content-Type")
	if encoding == "" {
		encoding = "audio/mpeg"
	}
	durationMs, _ := strconv.ParseInt(resp.Header.Get("X-Audio-Duration-Ms"), 10, 64)
	return Audio{Data: data, Encoding: encoding, DurationMs: durationMs}, nil
}
