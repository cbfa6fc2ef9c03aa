package commandclient

import (
	"context"
	"time"
)

type Logger interface {
	Printf(format string, args ...any)
}

type DrainOptions struct {
	// Interval between shutdown status polls. Defaults to one second.
	Interval time.Duration
	Logger   Logger
}

// Drain raises the shutdown flag and waits until no document has a final
// save in flight. The flag stays raised on return.
func (c *Client) Drain(ctx context.Context, opts DrainOptions) (ShutdownStatus, error) {
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Second
	}
	status, err := c.SetShuttingDown(ctx, true)
	if err != nil {
		return status, err
	}
	for len(status.Documents) > 0 {
		logf(opts.Logger, "waiting on %d document(s): %v", len(status.Documents), status.Documents)
		if err := waitWithContext(ctx, interval); err != nil {
			return status, err
		}
		next, err := c.ShutdownStatus(ctx)
		if err != nil {
			return status, err
		}
		status = next
	}
	logf(opts.Logger, "shutdown drained")
	return status, nil
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
