package qsync

// Fairness selects how a queue-owning primitive treats goroutines that arrive
// while others are already queued.
type Fairness uint8

const (
	// Barging lets a newly arriving goroutine take the resource ahead of
	// queued waiters whenever it happens to be free. This gives the best
	// throughput; the queue still serves waiters in approximately FIFO order.
	Barging Fairness = iota

	// FIFO makes newly arriving goroutines queue behind existing waiters, so
	// the resource is granted in arrival order. Untimed TryXxx methods still
	// barge.
	FIFO
)

func (f Fairness) String() string {
	if f == FIFO {
		return "fifo"
	}
	return "barging"
}

// Config defines configurable options for primitives built on Sync.
type Config struct {
	// fairness is the acquisition policy of the primitive.
	fairness Fairness
}

// WithFair configures a primitive to grant the resource in arrival order.
func WithFair() func(*Config) {
	return func(c *Config) {
		c.fairness = FIFO
	}
}

// WithFairness configures the acquisition policy explicitly.
func WithFairness(f Fairness) func(*Config) {
	return func(c *Config) {
		c.fairness = f
	}
}

func newConfig(options []func(*Config)) Config {
	var c Config
	for _, o := range options {
		if o != nil {
			o(&c)
		}
	}
	return c
}
