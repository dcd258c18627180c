package jetsync

import "time"

// ConsumerOption is a function that configures a Consumer.
//
// Example:
//
//	consumer, err := jetsync.NewConsumer(
//	    jetsync.WithConsumerConnection(conn),
//	    jetsync.WithConsumerConfig(cfg),
//	    jetsync.WithConsumerHandler(handler),
//	    jetsync.WithConsumerLogger(logger),
//	    jetsync.WithInboxRepository(repos.Inbox), // optional
//	)
type ConsumerOption func(*Consumer) error

// WithConsumerConnection sets the shared connection manager.
func WithConsumerConnection(conn *ConnectionManager) ConsumerOption {
	return func(c *Consumer) error {
		if conn == nil {
			return NewError(ErrCodeConfiguration, "connection manager cannot be nil")
		}
		c.conn = conn
		return nil
	}
}

// WithConsumerConfig sets the Config the consumer derives its stream,
// durable and subject names from.
func WithConsumerConfig(cfg Config) ConsumerOption {
	return func(c *Consumer) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		c.cfg = cfg
		return nil
	}
}

// WithConsumerHandler sets the event handler.
func WithConsumerHandler(h Handler) ConsumerOption {
	return func(c *Consumer) error {
		if h == nil {
			return NewError(ErrCodeConfiguration, "handler cannot be nil")
		}
		c.handler = h
		return nil
	}
}

// WithConsumerHandlerFunc sets a plain function as the event handler.
func WithConsumerHandlerFunc(f HandlerFunc) ConsumerOption {
	return WithConsumerHandler(f)
}

// WithConsumerLogger sets the logger instance.
func WithConsumerLogger(logger Logger) ConsumerOption {
	return func(c *Consumer) error {
		if logger == nil {
			return NewError(ErrCodeConfiguration, "logger cannot be nil")
		}
		c.logger = logger
		return nil
	}
}

// WithInboxRepository enables idempotent, exactly-once-ish processing
// backed by durable inbox records.
func WithInboxRepository(repo InboxRepository) ConsumerOption {
	return func(c *Consumer) error {
		if repo == nil {
			return NewError(ErrCodeConfiguration, "inbox repository cannot be nil")
		}
		c.inboxRepo = repo
		return nil
	}
}

// WithConsumerSpec overrides the durable consumer configuration derived
// from the Config.
func WithConsumerSpec(spec ConsumerSpec) ConsumerOption {
	return func(c *Consumer) error {
		if err := spec.Validate(); err != nil {
			return err
		}
		c.spec = spec
		return nil
	}
}

// WithConsumerBatch sets the fetch batch size and per-fetch wait.
func WithConsumerBatch(size int, fetchTimeout time.Duration) ConsumerOption {
	return func(c *Consumer) error {
		if size <= 0 {
			return NewError(ErrCodeConfiguration, "batch size must be > 0")
		}
		if fetchTimeout <= 0 {
			return NewError(ErrCodeConfiguration, "fetch timeout must be > 0")
		}
		c.batchSize = size
		c.fetchTimeout = fetchTimeout
		return nil
	}
}

// WithConsumerIdleBackoff sets the sleep between empty fetches.
func WithConsumerIdleBackoff(d time.Duration) ConsumerOption {
	return func(c *Consumer) error {
		if d < 0 {
			return NewError(ErrCodeConfiguration, "idle backoff cannot be negative")
		}
		c.idleBackoff = d
		return nil
	}
}

// WithConsumerNotifications sets the notification hooks.
func WithConsumerNotifications(n NotificationService) ConsumerOption {
	return func(c *Consumer) error {
		if n == nil {
			return NewError(ErrCodeConfiguration, "notification service cannot be nil")
		}
		c.notifier = n
		return nil
	}
}
