package config

import (
	"time"

	"firestige.xyz/rinashim/internal/netbuf"
)

// TaskConfig configures the protocol task.
type TaskConfig struct {
	QueueSize int           `mapstructure:"queue_size" yaml:"queue_size"`
	SendWait  time.Duration `mapstructure:"send_wait" yaml:"send_wait"` // Buffer wait of queued sends; 0 = no wait
}

// Validate validates the task configuration.
func (tc *TaskConfig) Validate() error {
	if tc.QueueSize <= 0 {
		return invalid("task.queue_size must be positive, got %d", tc.QueueSize)
	}
	if tc.SendWait < 0 {
		return invalid("task.send_wait must not be negative")
	}
	return nil
}

// BufferWait converts SendWait to the pool's wait policy.
func (tc *TaskConfig) BufferWait() netbuf.Wait {
	return netbuf.Wait(tc.SendWait)
}
