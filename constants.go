package deluge

import "github.com/dlorenc/deluge/internal/logging"

// Options configures a dispatcher at construction time, following the
// teacher pattern of a small struct plus a Default constructor rather
// than a config file or flag package: the things tuned here are where
// diagnostics go, who observes completions, and worker CPU pinning.
type Options struct {
	Logger   *logging.Logger
	Observer Observer

	// CPUAffinity, if non-empty, pins each worker-driven backend's
	// goroutine to one OS thread bound to one CPU, round-robin assigned
	// by backend index: backend i binds to CPUAffinity[i%len(CPUAffinity)].
	// Unset means no pinning. Has no effect on event-driven families,
	// whose completions run on one-shot goroutines rather than a
	// persistent per-backend thread.
	CPUAffinity []int
}

// DefaultOptions returns the options every dispatcher uses when none are
// supplied: the package's default logger and a no-op observer.
func DefaultOptions() Options {
	return Options{
		Logger:   logging.Default(),
		Observer: NoOpObserver{},
	}
}

func resolveOptions(opts []Options) Options {
	if len(opts) == 0 {
		return DefaultOptions()
	}
	o := opts[0]
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
	if o.Observer == nil {
		o.Observer = NoOpObserver{}
	}
	return o
}
