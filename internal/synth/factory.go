package synth

import (
	"fmt"
	"time"
)

// NewProvider builds the configured synthesis backend.
func NewProvider(kind, baseURL, apiKey string, timeout time.Duration) (Provider, error) {
	switch kind {
	case "cloud":
		return NewCloudProvider(baseURL, apiKey, timeout), nil
	case "mock":
		return NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("unknown synth provider %q", kind)
	}
}
