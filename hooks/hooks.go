// Package hooks provides a priority-ordered subscription registry. Connection
// teardown is published through it so that every layer holding per-connection
// state can release it.
package hooks

import (
	"fmt"
	"reflect"
	"runtime"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Hook defines a generic hook function that returns an error if it fails
type Hook[T any] func(event T) error

// HookInfo stores information about a registered hook including its priority
type HookInfo[T any] struct {
	ID       uint64  // Registration handle, used to unsubscribe
	Name     string  // Name of the hook function
	Hook     Hook[T] // The hook function itself
	Priority int64   // Priority value (lower values run first, like Unix nice)
}

// Registry manages hook registration and execution for a specific event type
type Registry[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	hooks  []HookInfo[T]
	log    logrus.FieldLogger
}

// NewRegistry creates a new hook registry for the given event type
func NewRegistry[T any](log logrus.FieldLogger) *Registry[T] {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry[T]{
		hooks: make([]HookInfo[T], 0),
		log:   log,
	}
}

// Register adds a new hook with default priority (0) and returns a function
// that removes it again.
func (r *Registry[T]) Register(hook Hook[T]) (cancel func()) {
	return r.RegisterWithPriority(hook, 0)
}

// RegisterWithPriority adds a new hook with the specified priority.
// Hooks with lower priority values run first.
func (r *Registry[T]) RegisterWithPriority(hook Hook[T], priority int64) (cancel func()) {
	name := runtime.FuncForPC(reflect.ValueOf(hook).Pointer()).Name()

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.hooks = append(r.hooks, HookInfo[T]{
		ID:       id,
		Name:     name,
		Hook:     hook,
		Priority: priority,
	})
	// Stable sort keeps registration order within one priority level
	sort.SliceStable(r.hooks, func(i, j int) bool {
		return r.hooks[i].Priority < r.hooks[j].Priority
	})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *Registry[T]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, h := range r.hooks {
		if h.ID == id {
			r.hooks = append(r.hooks[:i:i], r.hooks[i+1:]...)
			return
		}
	}
}

// RunHooks executes all registered hooks with the provided event in priority
// order. It returns a map of hook names to errors for any hooks that failed,
// or nil when all of them succeeded.
func (r *Registry[T]) RunHooks(event T) map[string]error {
	r.mu.RLock()
	// Copy so hooks may unsubscribe themselves while running
	hooks := make([]HookInfo[T], len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.RUnlock()

	hookErrors := make(map[string]error)

	for _, hookInfo := range hooks {
		err := r.run(hookInfo, event)
		if err != nil {
			hookErrors[hookInfo.Name] = err
			r.log.WithField("hook", hookInfo.Name).WithError(err).Error("hook failed")
		}
	}

	if len(hookErrors) == 0 {
		return nil
	}
	return hookErrors
}

// run invokes a single hook, converting a panic into an error.
func (r *Registry[T]) run(hookInfo HookInfo[T], event T) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in hook %s: %v", hookInfo.Name, p)
		}
	}()
	return hookInfo.Hook(event)
}
