package tether

import (
	"encoding/json"
	"time"
)

// Config configures an embedded Engine.
type Config struct {
	// DBPath locates the SQLite database. Required. The file and its
	// parent directory are created on first open.
	DBPath string

	// HTTP selects the HTTP remote adapter. Exactly one remote must be
	// configured unless Offline is set.
	HTTP *HTTPRemote

	// S3 selects the S3-compatible remote adapter.
	S3 *S3Remote

	// Offline disables the remote entirely. Mutations queue durably and
	// wait for a later process with a configured remote to drain them.
	Offline bool

	// SyncInterval is the periodic drain cadence. Zero means 30s.
	SyncInterval time.Duration
	// BatchSize caps entries fetched per drain batch. Zero means 50.
	BatchSize int
	// MaxAttempts is the delivery budget before a permanently failing
	// mutation is dead-lettered. Zero means 5.
	MaxAttempts int
	// CallTimeout bounds each remote call. Zero means 10s.
	CallTimeout time.Duration
	// BackoffMin seeds the backoff schedule after transient failures.
	// Zero means 1s.
	BackoffMin time.Duration
	// BackoffMax caps the backoff delay. Zero means 5m.
	BackoffMax time.Duration
	// ProbeInterval is the connectivity probe cadence. Zero means 15s.
	ProbeInterval time.Duration
	// ProbeTimeout bounds each probe. Zero means 5s.
	ProbeTimeout time.Duration

	// OnChange, when set, runs after every drain cycle that applied at
	// least one mutation. Calls are coalesced per cycle and arrive on
	// the dispatcher goroutine, so it must not block.
	OnChange func()
}

// HTTPRemote configures the HTTP remote adapter.
type HTTPRemote struct {
	BaseURL string
	APIKey  string
	// Timeout bounds each HTTP request. Zero means 10s.
	Timeout time.Duration
}

// S3Remote configures the S3-compatible remote adapter.
type S3Remote struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	Region    string
	AccessKey string
	SecretKey string
	// UseSSL toggles TLS. Nil means on.
	UseSSL *bool
}

// Operation names accepted by Enqueue.
const (
	OperationInsert = "insert"
	OperationUpdate = "update"
	OperationDelete = "delete"
)

// Record is a locally cached entity row.
type Record struct {
	Table     string          `json:"table"`
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Entry is a pending mutation in the durable queue.
type Entry struct {
	Sequence   int64           `json:"sequence"`
	Table      string          `json:"table"`
	EntityID   string          `json:"entity_id"`
	Operation  string          `json:"operation"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// DeadLetter is a mutation that exhausted its delivery attempts.
type DeadLetter struct {
	ID         string          `json:"id"`
	Sequence   int64           `json:"sequence"`
	Table      string          `json:"table"`
	EntityID   string          `json:"entity_id"`
	Operation  string          `json:"operation"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	DeadAt     time.Time       `json:"dead_at"`
}

// Status is a point-in-time snapshot of the sync engine.
type Status struct {
	State            string     `json:"state"`
	Online           bool       `json:"online"`
	QueueLen         int64      `json:"queue_len"`
	DeadLetters      int64      `json:"dead_letters"`
	CyclesTotal      int64      `json:"cycles_total"`
	AppliedTotal     int64      `json:"applied_total"`
	DeadLetterTotal  int64      `json:"dead_lettered_total"`
	LastDrainAt      *time.Time `json:"last_drain_at,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
	NextRetryAt      *time.Time `json:"next_retry_at,omitempty"`
	LastAppliedSeq   int64      `json:"last_applied_seq"`
	LastCycleApplied int        `json:"last_cycle_applied"`
}
