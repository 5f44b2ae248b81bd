package sylar

// SchedulerOption configures a Scheduler at construction, following the
// teacher's functional-option pattern (eventloop/options.go LoopOption,
// eventloop/js.go JSOption) rather than a parameter-heavy constructor.
type SchedulerOption func(*schedulerConfig)

type schedulerConfig struct {
	name      string
	useCaller bool
}

// WithName sets the scheduler's diagnostic name, used in the error Stop
// reports when a worker crashes.
func WithName(name string) SchedulerOption {
	return func(c *schedulerConfig) { c.name = name }
}

// WithUseCaller makes the constructing goroutine one of the scheduler's
// workers: Start spawns n-1 additional goroutines, and the calling
// goroutine hosts the n'th worker's dispatch loop as a root fiber, run via
// Scheduler.RunCaller (or implicitly by Stop, see its doc).
func WithUseCaller(useCaller bool) SchedulerOption {
	return func(c *schedulerConfig) { c.useCaller = useCaller }
}

func resolveSchedulerOptions(opts []SchedulerOption) *schedulerConfig {
	cfg := &schedulerConfig{name: "sylar"}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	return cfg
}
