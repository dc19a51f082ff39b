package shutdown

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type mockLogger struct {
	mu     sync.Mutex
	errors []string
}

func (l *mockLogger) Info(msg string, args ...interface{})  {}
func (l *mockLogger) Warn(msg string, args ...interface{})  {}
func (l *mockLogger) Debug(msg string, args ...interface{}) {}
func (l *mockLogger) Error(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

type countingStopper struct {
	mu    sync.Mutex
	calls int
	err   error
	panic bool
}

func (s *countingStopper) Stop() error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.panic {
		panic("stop exploded")
	}
	return s.err
}

func (s *countingStopper) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestShutdownGroup_Idempotent(t *testing.T) {
	c := NewCoordinator(&mockLogger{})
	a := &countingStopper{}
	b := &countingStopper{}
	c.Register("a", a)
	c.Register("b", b)

	c.ShutdownGroup(DefaultGroup)
	c.ShutdownGroup(DefaultGroup)

	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
	assert.Empty(t, c.Groups())
}

func TestShutdownGroup_FailingHooksDoNotBlockOthers(t *testing.T) {
	logger := &mockLogger{}
	c := NewCoordinator(logger)
	first := &countingStopper{err: errors.New("stop failed")}
	second := &countingStopper{panic: true}
	third := &countingStopper{}
	c.RegisterGroup("workers", "first", first)
	c.RegisterGroup("workers", "second", second)
	c.RegisterGroup("workers", "third", third)

	assert.NotPanics(t, func() { c.ShutdownGroup("workers") })

	assert.Equal(t, 1, first.count())
	assert.Equal(t, 1, second.count())
	assert.Equal(t, 1, third.count())
	assert.Len(t, logger.errors, 2)
}

func TestShutdownGroup_MissingGroupIsNoop(t *testing.T) {
	c := NewCoordinator(nil)
	assert.NotPanics(t, func() { c.ShutdownGroup("nope") })
}

func TestShutdownAll(t *testing.T) {
	c := NewCoordinator(nil)
	var order []string
	var mu sync.Mutex
	stopper := func(name string) Stoppable {
		return StopFunc(func() error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		})
	}
	c.RegisterGroup("session", "sender", stopper("sender"))
	c.Register("supervisor", stopper("supervisor"))
	c.RegisterGroup("session", "receiver", stopper("receiver"))

	assert.Equal(t, []string{"session", DefaultGroup}, c.Groups())

	c.ShutdownAll()
	c.ShutdownAll()

	assert.Equal(t, []string{"sender", "receiver", "supervisor"}, order)
	assert.Empty(t, c.Groups())
}

func TestShutdownAll_ConcurrentCallersStopOnce(t *testing.T) {
	c := NewCoordinator(nil)
	s := &countingStopper{}
	c.Register("s", s)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.ShutdownAll()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, s.count())
}
