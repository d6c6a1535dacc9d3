package listener

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Lifecycle is the subset of Container/ConcurrentContainer the registry
// manages; both satisfy it directly.
type Lifecycle interface {
	ID() string
	Start(ctx context.Context) error
	Stop(timeout time.Duration)
	Pause()
	Resume()
}

// ErrAlreadyRegistered is returned by Register when name is taken.
var ErrAlreadyRegistered = errors.New("listener: container already registered")

// ErrNotFound is returned when name has no registered container.
var ErrNotFound = errors.New("listener: container not found")

// Registry binds named containers to externally supplied endpoint
// descriptors (spec C9): construction (which topics, which broker
// configuration) is the caller's responsibility; the registry only starts,
// stops, and pauses whatever it is handed under a name.
type Registry struct {
	mu         sync.Mutex
	containers map[string]Lifecycle
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{containers: make(map[string]Lifecycle)}
}

// Register binds name to c. It does not start c.
func (r *Registry) Register(name string, c Lifecycle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.containers[name]; exists {
		return errors.Wrapf(ErrAlreadyRegistered, "name %q", name)
	}
	r.containers[name] = c
	return nil
}

// Unregister stops (if running) and removes name from the registry.
func (r *Registry) Unregister(name string, stopTimeout time.Duration) error {
	r.mu.Lock()
	c, ok := r.containers[name]
	if ok {
		delete(r.containers, name)
	}
	r.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrNotFound, "name %q", name)
	}
	c.Stop(stopTimeout)
	return nil
}

func (r *Registry) get(name string) (Lifecycle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[name]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "name %q", name)
	}
	return c, nil
}

// Names lists every currently registered container name.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.containers))
	for name := range r.containers {
		out = append(out, name)
	}
	return out
}

// Start, Stop, Pause, Resume operate on the named container.
func (r *Registry) Start(ctx context.Context, name string) error {
	c, err := r.get(name)
	if err != nil {
		return err
	}
	return c.Start(ctx)
}

func (r *Registry) Stop(name string, timeout time.Duration) error {
	c, err := r.get(name)
	if err != nil {
		return err
	}
	c.Stop(timeout)
	return nil
}

func (r *Registry) Pause(name string) error {
	c, err := r.get(name)
	if err != nil {
		return err
	}
	c.Pause()
	return nil
}

func (r *Registry) Resume(name string) error {
	c, err := r.get(name)
	if err != nil {
		return err
	}
	c.Resume()
	return nil
}

// StartAll starts every registered container, returning the first error
// encountered (other containers still have Start attempted).
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.Lock()
	containers := make([]Lifecycle, 0, len(r.containers))
	for _, c := range r.containers {
		containers = append(containers, c)
	}
	r.mu.Unlock()

	var firstErr error
	for _, c := range containers {
		if err := c.Start(ctx); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "start %q", c.ID())
		}
	}
	return firstErr
}

// StopAll stops every registered container concurrently and waits for all
// of them, up to timeout each.
func (r *Registry) StopAll(timeout time.Duration) {
	r.mu.Lock()
	containers := make([]Lifecycle, 0, len(r.containers))
	for _, c := range r.containers {
		containers = append(containers, c)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(containers))
	for _, c := range containers {
		c := c
		go func() {
			defer wg.Done()
			c.Stop(timeout)
		}()
	}
	wg.Wait()
}
