package store

import (
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Config holds configuration for the Store.
type Config struct {
	// Endpoint overrides the DynamoDB endpoint, e.g. "http://localhost:8000" for
	// DynamoDB Local. Only used by Connect.
	Endpoint string

	// BillingMode is used when Start creates a table.
	// Default: PAY_PER_REQUEST
	BillingMode types.BillingMode

	// Throughput is applied to new tables and indexes when BillingMode is PROVISIONED.
	// Default: 5 read / 5 write capacity units
	Throughput *types.ProvisionedThroughput

	// PollInterval is how often Start re-describes a table while waiting for a new
	// index to become active.
	// Default: 2s
	PollInterval time.Duration

	// ScanSegments is the number of parallel scan segments used by GetAll and Count.
	// Default: 1 (single sequential scan)
	// Max: 256
	ScanSegments int

	// Logger receives structural events and engine faults.
	// Default: slog.Default()
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults for small tables.
func DefaultConfig() Config {
	return Config{
		BillingMode:  types.BillingModePayPerRequest,
		PollInterval: 2 * time.Second,
		ScanSegments: 1,
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.BillingMode == "" {
		c.BillingMode = types.BillingModePayPerRequest
	}
	if c.BillingMode == types.BillingModeProvisioned && c.Throughput == nil {
		c.Throughput = &types.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(5),
			WriteCapacityUnits: aws.Int64(5),
		}
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.ScanSegments < 1 {
		c.ScanSegments = 1
	}
	if c.ScanSegments > 256 {
		c.ScanSegments = 256
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
