package synth

import (
	"context"
	"sync"
)

// MockProvider serves deterministic audio and can be scripted to fail.
// Used by tests and by the synth_provider=mock configuration.
type MockProvider struct {
	mu        sync.Mutex
	failNext  int
	failAll   bool
	failWith  error
	calls     int
	lastReq   Request
	audioByte byte
}

func NewMockProvider() *MockProvider {
	return &MockProvider{audioByte: 0x42}
}

func (m *MockProvider) Name() string { return "mock" }

// FailNext makes the next n calls return err.
func (m *MockProvider) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	m.failWith = err
}

// FailAll makes every call return err until reset with FailAll(nil).
func (m *MockProvider) FailAll(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAll = err != nil
	m.failWith = err
}

func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockProvider) LastRequest() Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastReq
}

func (m *MockProvider) Synthesize(_ context.Context, req Request) (Audio, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastReq = req
	if m.failAll {
		return Audio{}, m.failWith
	}
	if m.failNext > 0 {
		m.failNext--
		return Audio{}, m.failWith
	}
	// Payload derived from the text so cache tests can tell entries apart.
	data := make([]byte, 16+len(req.Text))
	for i := range data {
		data[i] = m.audioByte
	}
	copy(data[16:], req.Text)
	// Roughly 60ms per character, so duration tracks the input.
	return Audio{Data: data, Encoding: "audio/mpeg", DurationMs: int64(len(req.Text)) * 60}, nil
}
