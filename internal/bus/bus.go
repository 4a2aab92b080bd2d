// Package bus abstracts the log-based message bus carrying normalized
// records between the edge ingestors and the aggregation consumers,
// with a Kinesis implementation and an in-memory stub for tests.
package bus

import (
	"context"
	"errors"
)

// Shard iterator types.
const (
	IteratorLatest        = "LATEST"
	IteratorTrimHorizon   = "TRIM_HORIZON"
	IteratorAfterSequence = "AFTER_SEQUENCE_NUMBER"
)

// Bus failure modes the consumers react to.
var (
	// ErrExpiredIterator means the shard iterator aged out; re-acquire
	// with AFTER_SEQUENCE_NUMBER from the last seen sequence.
	ErrExpiredIterator = errors.New("shard iterator expired")
	// ErrThrottled means the shard read rate was exceeded; back off.
	ErrThrottled = errors.New("bus read throttled")
)

// Record is one payload to publish, routed to a shard by PartitionKey.
type Record struct {
	Data         []byte
	PartitionKey string
}

// PutResult reports per-record failures from a batch put. Failed holds
// the indexes into the input batch that were rejected.
type PutResult struct {
	Failed []int
}

// ReceivedRecord is one record read off a shard.
type ReceivedRecord struct {
	Data           []byte
	PartitionKey   string
	SequenceNumber string
}

// GetOutput is one page of shard reads.
type GetOutput struct {
	Records      []ReceivedRecord
	NextIterator string
}

// StreamDescription describes a stream and its shards.
type StreamDescription struct {
	Name     string
	Status   string
	ShardIDs []string
}

// Bus is the message-bus surface the producer and consumers depend on.
type Bus interface {
	PutRecords(ctx context.Context, stream string, records []Record) (*PutResult, error)
	DescribeStream(ctx context.Context, stream string) (*StreamDescription, error)
	GetShardIterator(ctx context.Context, stream, shardID, iteratorType, sequenceNumber string) (string, error)
	GetRecords(ctx context.Context, iterator string, limit int) (*GetOutput, error)
}
