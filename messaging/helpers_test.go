package messaging

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/glimte/burrow-go/internal/rabbitmq/rabbitmqtest"
	"github.com/stretchr/testify/mock"
)

func withBroker(b *rabbitmqtest.Broker) Option {
	return func(c *Config) {
		c.dialer = b.Dial
	}
}

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) Handle(ctx context.Context, payload []byte) (any, error) {
	args := m.Called(ctx, payload)
	return args.Get(0), args.Error(1)
}

type logEntry struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

// recordingSink keeps every event for later assertions
type recordingSink struct {
	mu      sync.Mutex
	entries []logEntry
}

func (s *recordingSink) Log(_ context.Context, level slog.Level, msg string, args ...any) {
	r := slog.NewRecord(time.Now(), level, msg, 0)
	r.Add(args...)
	attrs := make(map[string]any)
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, logEntry{level: level, msg: msg, attrs: attrs})
}

func (s *recordingSink) find(level slog.Level, msg string) (logEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.level == level && e.msg == msg {
			return e, true
		}
	}
	return logEntry{}, false
}

func (s *recordingSink) has(level slog.Level, msg string) bool {
	_, ok := s.find(level, msg)
	return ok
}

func (s *recordingSink) all() []logEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]logEntry(nil), s.entries...)
}

// newPair builds a client and a server sharing one in-memory broker
func newPair(t *testing.T, broker *rabbitmqtest.Broker, opts ...Option) (*Client, *Server) {
	t.Helper()

	opts = append([]Option{withBroker(broker)}, opts...)
	client := NewClient(opts...)
	server := NewServer(opts...)
	t.Cleanup(func() {
		_ = client.Shutdown()
		_ = server.Shutdown()
	})
	return client, server
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
