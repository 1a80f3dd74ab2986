package hooks

import (
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dropEvent is a simple event type for testing
type dropEvent struct {
	ID    uint64
	Order []string
	mu    sync.Mutex
}

func (e *dropEvent) add(value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Order = append(e.Order, value)
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestRegistryBasic(t *testing.T) {
	registry := NewRegistry[*dropEvent](quietLogger())
	assert.Empty(t, registry.RunHooks(&dropEvent{}))

	registry.Register(func(e *dropEvent) error {
		e.add("seen")
		return nil
	})

	ev := &dropEvent{ID: 7}
	assert.Nil(t, registry.RunHooks(ev))
	assert.Equal(t, []string{"seen"}, ev.Order)
}

func TestRegistryPriority(t *testing.T) {
	registry := NewRegistry[*dropEvent](quietLogger())

	registry.RegisterWithPriority(func(e *dropEvent) error {
		e.add("third")
		return nil
	}, 5)
	registry.RegisterWithPriority(func(e *dropEvent) error {
		e.add("first")
		return nil
	}, -5)
	registry.RegisterWithPriority(func(e *dropEvent) error {
		e.add("second")
		return nil
	}, 0)

	ev := &dropEvent{}
	registry.RunHooks(ev)
	assert.Equal(t, []string{"first", "second", "third"}, ev.Order)
}

func TestRegistryCancel(t *testing.T) {
	registry := NewRegistry[*dropEvent](quietLogger())

	cancel := registry.Register(func(e *dropEvent) error {
		e.add("canceled")
		return nil
	})
	registry.Register(func(e *dropEvent) error {
		e.add("kept")
		return nil
	})

	cancel()
	cancel() // second call is a no-op

	ev := &dropEvent{}
	registry.RunHooks(ev)
	assert.Equal(t, []string{"kept"}, ev.Order)
}

func TestRegistrySelfUnsubscribe(t *testing.T) {
	registry := NewRegistry[*dropEvent](quietLogger())

	var cancel func()
	cancel = registry.Register(func(e *dropEvent) error {
		e.add("once")
		cancel()
		return nil
	})

	registry.RunHooks(&dropEvent{})
	ev := &dropEvent{}
	registry.RunHooks(ev)
	assert.Empty(t, ev.Order)
}

func TestRegistryErrorsAndPanics(t *testing.T) {
	registry := NewRegistry[*dropEvent](quietLogger())

	expected := errors.New("hook error")
	registry.Register(func(e *dropEvent) error { return expected })
	registry.Register(func(e *dropEvent) error { panic("hook panic") })
	registry.RegisterWithPriority(func(e *dropEvent) error {
		e.add("still runs")
		return nil
	}, 10)

	ev := &dropEvent{}
	errs := registry.RunHooks(ev)
	require.Len(t, errs, 2)
	assert.Equal(t, []string{"still runs"}, ev.Order)

	var sawSentinel bool
	for _, err := range errs {
		if errors.Is(err, expected) {
			sawSentinel = true
		}
	}
	assert.True(t, sawSentinel)
}

func TestRegistryConcurrency(t *testing.T) {
	registry := NewRegistry[*dropEvent](quietLogger())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(priority int64) {
			defer wg.Done()
			cancel := registry.RegisterWithPriority(func(e *dropEvent) error {
				e.add("hook")
				return nil
			}, priority)
			registry.RunHooks(&dropEvent{})
			if priority%2 == 0 {
				cancel()
			}
		}(int64(i))
	}
	wg.Wait()

	ev := &dropEvent{}
	registry.RunHooks(ev)
	assert.Len(t, ev.Order, 5)
}
