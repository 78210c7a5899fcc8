package handler

import "time"

// Config is the workflow tunables surface (spec §6, "Configuration surface").
type Config struct {
	IntakeBatchSize          int
	PollBatchSize            int
	LeaseDuration            time.Duration
	PollInterval             time.Duration
	MaxSubmitAttempts        int
	IdempotencyLeaseDuration time.Duration
}

// DefaultConfig mirrors the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		IntakeBatchSize:          50,
		PollBatchSize:            200,
		LeaseDuration:            30 * time.Minute,
		PollInterval:             5 * time.Minute,
		MaxSubmitAttempts:        3,
		IdempotencyLeaseDuration: 2 * time.Minute,
	}
}
