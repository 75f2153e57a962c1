// Package natsqueue delivers tasks over NATS JetStream. Tasks are published
// into a work-queue stream sharded by partition key; each shard is consumed
// with at most one in-flight delivery, so tasks sharing a partition key are
// processed in publish order. Enqueue deduplication uses JetStream message
// IDs and holds within the stream's duplicate window.
package natsqueue

import (
	"fmt"
	"hash/crc32"
	"time"

	"github.com/nats-io/nats.go"
)

// Config holds the connection and stream settings shared by the queue and
// its consumer.
type Config struct {
	// URL is the NATS server URL
	URL string

	// StreamName is the JetStream work-queue stream for tasks
	StreamName string

	// SubjectRoot prefixes the shard subjects ("tasks" gives
	// "tasks.shard.0" .. "tasks.shard.N-1")
	SubjectRoot string

	// Shards is the number of partition shards. Partition keys hash onto
	// shards; ordering holds per shard.
	Shards int

	// MaxAge bounds how long an unconsumed task is retained
	MaxAge time.Duration

	// AckWait is how long a delivery may stay unacknowledged before
	// redelivery. Must exceed the longest handler run and the heartbeat
	// interval of delayed tasks.
	AckWait time.Duration

	// RetryDelay is the pause before a failed task is redelivered
	RetryDelay time.Duration

	// DedupWindow is the stream's duplicate-detection window
	DedupWindow time.Duration
}

// DefaultConfig returns the defaults for a task stream.
func DefaultConfig() Config {
	return Config{
		URL:         nats.DefaultURL,
		StreamName:  "TASKS",
		SubjectRoot: "tasks",
		Shards:      8,
		MaxAge:      7 * 24 * time.Hour,
		AckWait:     time.Minute,
		RetryDelay:  5 * time.Second,
		DedupWindow: 2 * time.Minute,
	}
}

func (c Config) validate() error {
	switch {
	case c.StreamName == "":
		return fmt.Errorf("stream name is required")
	case c.SubjectRoot == "":
		return fmt.Errorf("subject root is required")
	case c.Shards <= 0:
		return fmt.Errorf("shards must be positive")
	}
	return nil
}

func (c Config) subject(shard int) string {
	return fmt.Sprintf("%s.shard.%d", c.SubjectRoot, shard)
}

// shardFor maps a partition key onto a shard. Unkeyed tasks spread by
// task ID instead.
func (c Config) shardFor(partitionKey, taskID string) int {
	key := partitionKey
	if key == "" {
		key = taskID
	}
	return int(crc32.ChecksumIEEE([]byte(key)) % uint32(c.Shards))
}

// envelope is the wire form of a task.
type envelope struct {
	ID           string `json:"id"`
	Operation    string `json:"operation"`
	Args         []byte `json:"args,omitempty"`
	PartitionKey string `json:"partitionKey,omitempty"`
	OnComplete   string `json:"onComplete,omitempty"`
	MaxAttempts  int    `json:"maxAttempts"`
	DueAt        int64  `json:"dueAtMs"`
}

func connect(cfg Config) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := jetStream(nc)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	return nc, js, nil
}

func jetStream(nc *nats.Conn) (nats.JetStreamContext, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	return js, nil
}

// ensureStream creates or updates the work-queue stream.
func ensureStream(js nats.JetStreamContext, cfg Config) error {
	streamConfig := &nats.StreamConfig{
		Name:       cfg.StreamName,
		Subjects:   []string{cfg.SubjectRoot + ".>"},
		Retention:  nats.WorkQueuePolicy,
		MaxAge:     cfg.MaxAge,
		Duplicates: cfg.DedupWindow,
		Storage:    nats.FileStorage,
		Replicas:   1,
	}

	info, err := js.StreamInfo(cfg.StreamName)
	if err != nil {
		if _, err := js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.StreamName, err)
		}
		return nil
	}

	if info.Config.MaxAge != cfg.MaxAge || info.Config.Duplicates != cfg.DedupWindow {
		if _, err := js.UpdateStream(streamConfig); err != nil {
			return fmt.Errorf("update stream %s: %w", cfg.StreamName, err)
		}
	}
	return nil
}
