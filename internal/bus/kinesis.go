package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
)

// KinesisBus implements Bus on AWS Kinesis Data Streams.
type KinesisBus struct {
	client *kinesis.Client
}

// KinesisOptions configures the Kinesis client. EndpointURL is set for
// LocalStack-style local runs and left empty in production.
type KinesisOptions struct {
	Region      string
	EndpointURL string
	AccessKey   string
	SecretKey   string
}

// NewKinesisBus builds a Kinesis-backed bus.
func NewKinesisBus(ctx context.Context, opts KinesisOptions) (*KinesisBus, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := kinesis.NewFromConfig(cfg, func(o *kinesis.Options) {
		if opts.EndpointURL != "" {
			o.BaseEndpoint = aws.String(opts.EndpointURL)
		}
	})
	return &KinesisBus{client: client}, nil
}

// PutRecords publishes a batch and maps per-record failures to indexes.
func (k *KinesisBus) PutRecords(ctx context.Context, stream string, records []Record) (*PutResult, error) {
	entries := make([]types.PutRecordsRequestEntry, len(records))
	for i, rec := range records {
		entries[i] = types.PutRecordsRequestEntry{
			Data:         rec.Data,
			PartitionKey: aws.String(rec.PartitionKey),
		}
	}

	out, err := k.client.PutRecords(ctx, &kinesis.PutRecordsInput{
		StreamName: aws.String(stream),
		Records:    entries,
	})
	if err != nil {
		return nil, fmt.Errorf("put records to %s: %w", stream, err)
	}

	result := &PutResult{}
	if aws.ToInt32(out.FailedRecordCount) > 0 {
		for i, rec := range out.Records {
			if rec.ErrorCode != nil {
				result.Failed = append(result.Failed, i)
			}
		}
	}
	return result, nil
}

// DescribeStream returns the stream status and shard ids.
func (k *KinesisBus) DescribeStream(ctx context.Context, stream string) (*StreamDescription, error) {
	summary, err := k.client.DescribeStreamSummary(ctx, &kinesis.DescribeStreamSummaryInput{
		StreamName: aws.String(stream),
	})
	if err != nil {
		return nil, fmt.Errorf("describe stream %s: %w", stream, err)
	}

	desc := &StreamDescription{
		Name:   stream,
		Status: string(summary.StreamDescriptionSummary.StreamStatus),
	}

	shards, err := k.client.ListShards(ctx, &kinesis.ListShardsInput{
		StreamName: aws.String(stream),
	})
	if err != nil {
		return nil, fmt.Errorf("list shards for %s: %w", stream, err)
	}
	for _, shard := range shards.Shards {
		desc.ShardIDs = append(desc.ShardIDs, aws.ToString(shard.ShardId))
	}
	return desc, nil
}

// GetShardIterator acquires an iterator for one shard.
func (k *KinesisBus) GetShardIterator(ctx context.Context, stream, shardID, iteratorType, sequenceNumber string) (string, error) {
	input := &kinesis.GetShardIteratorInput{
		StreamName:        aws.String(stream),
		ShardId:           aws.String(shardID),
		ShardIteratorType: types.ShardIteratorType(iteratorType),
	}
	if iteratorType == IteratorAfterSequence {
		input.StartingSequenceNumber = aws.String(sequenceNumber)
	}

	out, err := k.client.GetShardIterator(ctx, input)
	if err != nil {
		return "", fmt.Errorf("get shard iterator %s/%s: %w", stream, shardID, err)
	}
	return aws.ToString(out.ShardIterator), nil
}

// GetRecords reads one page from a shard, mapping the iterator-expiry
// and throttle faults to the bus sentinels.
func (k *KinesisBus) GetRecords(ctx context.Context, iterator string, limit int) (*GetOutput, error) {
	out, err := k.client.GetRecords(ctx, &kinesis.GetRecordsInput{
		ShardIterator: aws.String(iterator),
		Limit:         aws.Int32(int32(limit)),
	})
	if err != nil {
		var expired *types.ExpiredIteratorException
		if errors.As(err, &expired) {
			return nil, ErrExpiredIterator
		}
		var throttled *types.ProvisionedThroughputExceededException
		if errors.As(err, &throttled) {
			return nil, ErrThrottled
		}
		return nil, fmt.Errorf("get records: %w", err)
	}

	result := &GetOutput{NextIterator: aws.ToString(out.NextShardIterator)}
	for _, rec := range out.Records {
		result.Records = append(result.Records, ReceivedRecord{
			Data:           rec.Data,
			PartitionKey:   aws.ToString(rec.PartitionKey),
			SequenceNumber: aws.ToString(rec.SequenceNumber),
		})
	}
	return result, nil
}
