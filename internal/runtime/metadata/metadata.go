// Package metadata defines the message headers chainflow attaches to every
// published envelope and the helpers used to read them back.
package metadata

import (
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
)

const (
	KeyCategoryTag    = "chainflow_category_tag"
	KeySchemaVersion  = "chainflow_schema_version"
	KeySlot           = "chainflow_slot"
	KeyPartitionKey   = "chainflow_partition_key"
	KeyNetwork        = "chainflow_network"
	KeyBackfill       = "chainflow_backfill"
	KeyRetryCount     = "chainflow_retry_count"
	KeyFirstSeenAt    = "chainflow_first_seen_at"
	KeyFailureReason  = "chainflow_failure_reason"
	KeyOriginalQueue  = "chainflow_original_queue"
	KeyDeadLetteredAt = "chainflow_dead_lettered_at"
	KeyCorrelationID  = "correlation_id"
)

// Metadata represents the headers carried alongside an envelope.
type Metadata map[string]string

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	cloned := make(Metadata, len(m)+1)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.Clone()
	cloned[key] = value
	return cloned
}

// FromWatermill copies Watermill metadata.
func FromWatermill(md message.Metadata) Metadata {
	result := make(Metadata, len(md))
	for k, v := range md {
		result[k] = v
	}
	return result
}

// ToWatermill copies the metadata into a Watermill map.
func ToWatermill(md Metadata) message.Metadata {
	wm := make(message.Metadata, len(md))
	for k, v := range md {
		wm[k] = v
	}
	return wm
}

// RetryCount returns how many times the message has been requeued. Missing or
// malformed values count as zero.
func RetryCount(md message.Metadata) int {
	raw := md.Get(KeyRetryCount)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// SetRetryCount records the requeue count on the message metadata.
func SetRetryCount(md message.Metadata, n int) {
	md.Set(KeyRetryCount, strconv.Itoa(n))
}

// FirstSeenAt returns when the message was first published.
func FirstSeenAt(md message.Metadata) (time.Time, bool) {
	raw := md.Get(KeyFirstSeenAt)
	if raw == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// SetFirstSeenAt stamps the first publication time unless one is present.
func SetFirstSeenAt(md message.Metadata, ts time.Time) {
	if md.Get(KeyFirstSeenAt) != "" {
		return
	}
	md.Set(KeyFirstSeenAt, ts.UTC().Format(time.RFC3339Nano))
}

// IsBackfill reports whether the message travelled on the historical stream.
func IsBackfill(md message.Metadata) bool {
	return md.Get(KeyBackfill) == "true"
}
