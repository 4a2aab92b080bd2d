package bus

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// MemoryBus is a single-shard-per-stream in-memory Bus for tests and
// local development. Failure injection drives the producer's
// partial-failure and breaker paths.
type MemoryBus struct {
	mu      sync.Mutex
	streams map[string][]ReceivedRecord

	// FailNextPuts makes the next N PutRecords calls fail outright.
	FailNextPuts int
	// FailIndexes marks these batch indexes failed on the next put only.
	FailIndexes []int
	// ExpireNextIterator makes the next GetRecords return ErrExpiredIterator.
	ExpireNextIterator bool
	// ThrottleNextGets makes the next N GetRecords return ErrThrottled.
	ThrottleNextGets int
	// FailNextGets makes the next N GetRecords fail with a generic error.
	FailNextGets int
}

const memoryShardID = "shardId-000000000000"

// NewMemoryBus creates an empty in-memory bus; streams appear on first put.
func NewMemoryBus(streams ...string) *MemoryBus {
	b := &MemoryBus{streams: make(map[string][]ReceivedRecord)}
	for _, s := range streams {
		b.streams[s] = nil
	}
	return b
}

// PutRecords appends the batch to the stream, honoring failure injection.
func (b *MemoryBus) PutRecords(_ context.Context, stream string, records []Record) (*PutResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.FailNextPuts > 0 {
		b.FailNextPuts--
		return nil, fmt.Errorf("injected put failure")
	}

	failed := make(map[int]bool, len(b.FailIndexes))
	for _, i := range b.FailIndexes {
		failed[i] = true
	}
	b.FailIndexes = nil

	result := &PutResult{}
	for i, rec := range records {
		if failed[i] {
			result.Failed = append(result.Failed, i)
			continue
		}
		seq := strconv.Itoa(len(b.streams[stream]) + 1)
		b.streams[stream] = append(b.streams[stream], ReceivedRecord{
			Data:           rec.Data,
			PartitionKey:   rec.PartitionKey,
			SequenceNumber: seq,
		})
	}
	return result, nil
}

// DescribeStream reports the stream as active with its single shard.
func (b *MemoryBus) DescribeStream(_ context.Context, stream string) (*StreamDescription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.streams[stream]; !ok {
		return nil, fmt.Errorf("stream %s not found", stream)
	}
	return &StreamDescription{Name: stream, Status: "ACTIVE", ShardIDs: []string{memoryShardID}}, nil
}

// GetShardIterator encodes the stream and read position into the iterator.
func (b *MemoryBus) GetShardIterator(_ context.Context, stream, _, iteratorType, sequenceNumber string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos := 0
	switch iteratorType {
	case IteratorLatest:
		pos = len(b.streams[stream])
	case IteratorAfterSequence:
		seq, err := strconv.Atoi(sequenceNumber)
		if err != nil {
			return "", fmt.Errorf("bad sequence number %q", sequenceNumber)
		}
		pos = seq
	}
	return stream + "@" + strconv.Itoa(pos), nil
}

// GetRecords reads from the encoded position to the stream head.
func (b *MemoryBus) GetRecords(_ context.Context, iterator string, limit int) (*GetOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ExpireNextIterator {
		b.ExpireNextIterator = false
		return nil, ErrExpiredIterator
	}
	if b.ThrottleNextGets > 0 {
		b.ThrottleNextGets--
		return nil, ErrThrottled
	}
	if b.FailNextGets > 0 {
		b.FailNextGets--
		return nil, fmt.Errorf("injected get failure")
	}

	stream, posStr, ok := strings.Cut(iterator, "@")
	if !ok {
		return nil, fmt.Errorf("bad iterator %q", iterator)
	}
	pos, err := strconv.Atoi(posStr)
	if err != nil {
		return nil, fmt.Errorf("bad iterator %q", iterator)
	}

	records := b.streams[stream]
	end := pos + limit
	if end > len(records) {
		end = len(records)
	}
	if pos > len(records) {
		pos = len(records)
		end = pos
	}

	return &GetOutput{
		Records:      append([]ReceivedRecord(nil), records[pos:end]...),
		NextIterator: stream + "@" + strconv.Itoa(end),
	}, nil
}

// Records returns everything published to stream, for test assertions.
func (b *MemoryBus) Records(stream string) []ReceivedRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ReceivedRecord(nil), b.streams[stream]...)
}
