package mocks

import (
	"sync"

	"github.com/nuabase/castgate/config"
)

// MockConfigWatcher is a config.Watcher driven by the test through
// UpdateConfig. Each subscriber holds at most the newest configuration; a
// slow reader skips intermediate ones, as with a debounced file watcher.
type MockConfigWatcher struct {
	mu     sync.Mutex
	cfg    *config.Config
	subs   []chan *config.Config
	closed bool
}

var _ config.Watcher = (*MockConfigWatcher)(nil)

func NewMockConfigWatcher(cfg *config.Config) *MockConfigWatcher {
	return &MockConfigWatcher{cfg: cfg}
}

func (m *MockConfigWatcher) GetCurrentConfig() *config.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Subscribe returns a channel primed with the current configuration. After
// Close it returns a closed channel.
func (m *MockConfigWatcher) Subscribe() <-chan *config.Config {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan *config.Config, 1)
	if m.closed {
		close(ch)
		return ch
	}
	ch <- m.cfg
	m.subs = append(m.subs, ch)
	return ch
}

// Subscribers reports how many channels are open.
func (m *MockConfigWatcher) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// UpdateConfig replaces the current configuration and offers it to every
// subscriber, dropping one it has not read yet. It is a no-op after Close.
func (m *MockConfigWatcher) UpdateConfig(cfg *config.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.cfg = cfg
	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		ch <- cfg
	}
}

func (m *MockConfigWatcher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, ch := range m.subs {
		close(ch)
	}
	m.subs = nil
	return nil
}
