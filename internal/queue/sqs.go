// Package queue ships usage records through SQS so that the request path
// never waits on the usage database.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/felipepmaragno/llm-gateway/internal/cost"
)

// Message is a received usage record with the handle needed to delete it.
type Message struct {
	Record        cost.UsageRecord
	ReceiptHandle string
}

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSUsageSink is a cost.Sink that enqueues records.
type SQSUsageSink struct {
	client   sqsAPI
	queueURL string
}

func NewSQSUsageSink(ctx context.Context, region, queueURL string) (*SQSUsageSink, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSQSUsageSinkWithConfig(cfg, queueURL), nil
}

func NewSQSUsageSinkWithConfig(cfg aws.Config, queueURL string) *SQSUsageSink {
	return &SQSUsageSink{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}
}

func (q *SQSUsageSink) Record(ctx context.Context, record cost.UsageRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal usage record: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"OrgID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(record.OrgID),
			},
			"RequestID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(record.RequestID),
			},
		},
	}

	if _, err := q.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	return nil
}

func (q *SQSUsageSink) Receive(ctx context.Context, maxMessages int) ([]Message, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.queueURL),
		MaxNumberOfMessages:   int32(maxMessages),
		WaitTimeSeconds:       20,
		MessageAttributeNames: []string{"All"},
	}

	result, err := q.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("receive messages: %w", err)
	}

	messages := make([]Message, 0, len(result.Messages))
	for _, msg := range result.Messages {
		var record cost.UsageRecord
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &record); err != nil {
			slog.Warn("failed to unmarshal usage message", "error", err, "message_id", aws.ToString(msg.MessageId))
			continue
		}
		messages = append(messages, Message{Record: record, ReceiptHandle: aws.ToString(msg.ReceiptHandle)})
	}

	return messages, nil
}

func (q *SQSUsageSink) Delete(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// Receiver is the consuming side of a usage queue.
type Receiver interface {
	Receive(ctx context.Context, maxMessages int) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Drain moves records from the queue into dst until ctx is done. A message
// is deleted only once dst accepted it.
func Drain(ctx context.Context, src Receiver, dst cost.Sink) {
	for {
		if ctx.Err() != nil {
			return
		}

		messages, err := src.Receive(ctx, 10)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			slog.Error("usage queue receive failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for _, msg := range messages {
			if err := dst.Record(ctx, msg.Record); err != nil {
				slog.Error("failed to persist usage record",
					"error", err,
					"request_id", msg.Record.RequestID,
				)
				continue
			}
			if err := src.Delete(ctx, msg.ReceiptHandle); err != nil {
				slog.Warn("failed to delete usage message", "error", err, "request_id", msg.Record.RequestID)
			}
		}
	}
}

// InMemoryQueue is a usage queue for tests and single-process setups.
type InMemoryQueue struct {
	mu      sync.Mutex
	records []cost.UsageRecord
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{}
}

func (q *InMemoryQueue) Record(ctx context.Context, record cost.UsageRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.records = append(q.records, record)
	return nil
}

func (q *InMemoryQueue) Receive(ctx context.Context, maxMessages int) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := maxMessages
	if count > len(q.records) {
		count = len(q.records)
	}

	out := make([]Message, count)
	for i, r := range q.records[:count] {
		out[i] = Message{Record: r, ReceiptHandle: r.RequestID}
	}
	q.records = q.records[count:]
	return out, nil
}

func (q *InMemoryQueue) Delete(ctx context.Context, receiptHandle string) error {
	return nil
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}
