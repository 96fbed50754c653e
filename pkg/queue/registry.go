package queue

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/angelmondragon/leadflow-backend/pkg/config"
	"github.com/angelmondragon/leadflow-backend/pkg/enums"
)

// Handler executes one task. ctx carries the soft time limit.
type Handler func(ctx context.Context, msg Message) error

// DeadHandler runs once a task exhausted its attempts or failed permanently.
type DeadHandler func(ctx context.Context, msg Message, cause error)

type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Jitter      float64
}

// RetryPolicyFromConfig returns the queue-wide default policy.
func RetryPolicyFromConfig(cfg config.QueueConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BaseBackoff: cfg.BaseBackoff,
		MaxBackoff:  cfg.MaxBackoff,
		Jitter:      cfg.Jitter,
	}
}

// Backoff returns the delay before attempt+1: base*2^(attempt-1) capped at
// MaxBackoff, spread by ±Jitter.
func (p RetryPolicy) Backoff(attempt int, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseBackoff
	if base <= 0 {
		base = time.Second
	}
	delay := float64(base) * math.Pow(2, float64(attempt-1))
	if p.MaxBackoff > 0 && delay > float64(p.MaxBackoff) {
		delay = float64(p.MaxBackoff)
	}
	if p.Jitter > 0 {
		if rnd == nil {
			rnd = rand.Float64
		}
		delay += delay * p.Jitter * (2*rnd() - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Definition declares one task: its queue, handler, retry policy and limits.
type Definition struct {
	Name      enums.TaskName
	Queue     enums.QueueName
	Handler   Handler
	Retry     RetryPolicy
	SoftLimit time.Duration
	HardLimit time.Duration
	OnDead    DeadHandler
	// SkipDedupe disables the done marker for tasks that are meant to run
	// repeatedly under the same key (scheduled jobs).
	SkipDedupe bool
}

type Registry struct {
	defs     map[enums.TaskName]Definition
	defaults config.QueueConfig
}

func NewRegistry(defaults config.QueueConfig) *Registry {
	return &Registry{defs: map[enums.TaskName]Definition{}, defaults: defaults}
}

// Register adds def, filling limits and retry policy from the queue defaults.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("task name required")
	}
	if def.Handler == nil {
		return fmt.Errorf("task %s: handler required", def.Name)
	}
	if def.Queue == "" {
		def.Queue = enums.QueueDefault
	}
	if !def.Queue.IsValid() {
		return fmt.Errorf("task %s: unknown queue %q", def.Name, def.Queue)
	}
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("task %s already registered", def.Name)
	}
	if def.Retry.MaxAttempts <= 0 {
		def.Retry = RetryPolicyFromConfig(r.defaults)
	}
	if def.SoftLimit <= 0 {
		def.SoftLimit = r.defaults.SoftTimeLimit
	}
	if def.HardLimit <= 0 {
		def.HardLimit = r.defaults.HardTimeLimit
	}
	if def.HardLimit < def.SoftLimit {
		def.HardLimit = def.SoftLimit
	}
	r.defs[def.Name] = def
	return nil
}

func (r *Registry) MustRegister(defs ...Definition) {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) Lookup(name enums.TaskName) (Definition, bool) {
	def, ok := r.defs[name]
	return def, ok
}

// Queues lists the queues that have at least one registered task.
func (r *Registry) Queues() []enums.QueueName {
	seen := map[enums.QueueName]struct{}{}
	for _, def := range r.defs {
		seen[def.Queue] = struct{}{}
	}
	out := make([]enums.QueueName, 0, len(seen))
	for q := range seen {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
