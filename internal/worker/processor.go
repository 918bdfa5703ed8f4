package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/storyforge/storyforge-be/internal/jobs/domain"
)

// Reporter lets a processor publish incremental progress while it runs.
type Reporter interface {
	Progress(ctx context.Context, progress int, currentStep *int, message string) error
}

// Processor executes one job type. Process returns the result payload
// on success; a returned error fails the job with the error's message.
// Processors that perform paid work must reserve credits before the
// paid call and refund the recorded transaction when it fails.
type Processor interface {
	Type() string
	Process(ctx context.Context, job *domain.Job, rep Reporter) (json.RawMessage, error)
}

// Registry maps job types to processors.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]Processor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		processors: make(map[string]Processor),
	}
}

// Register adds a processor. Registering the same type twice panics;
// that is a wiring bug, not a runtime condition.
func (r *Registry) Register(p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.processors[p.Type()]; exists {
		panic(fmt.Sprintf("processor already registered for type %q", p.Type()))
	}
	r.processors[p.Type()] = p
}

// Lookup returns the processor for a job type.
func (r *Registry) Lookup(jobType string) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.processors[jobType]
	return p, ok
}
