// Package payloads archives raw request and response bodies for audit.
package payloads

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/felipepmaragno/llm-gateway/internal/crypto"
)

// Payload is one archived exchange. Request and Response hold the bodies as
// sent to and received from the client.
type Payload struct {
	RequestID string          `json:"request_id"`
	OrgID     string          `json:"org_id"`
	Model     string          `json:"model"`
	Provider  string          `json:"provider,omitempty"`
	Request   json.RawMessage `json:"request"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type Sink interface {
	Store(ctx context.Context, p Payload) error
}

// Key lays payloads out by organization and day.
func Key(p Payload) string {
	return fmt.Sprintf("payloads/%s/%s/%s.json", p.OrgID, p.CreatedAt.UTC().Format("2006/01/02"), p.RequestID)
}

type putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink writes each payload as one object. With an encryptor the object
// body is sealed with AES-GCM.
type S3Sink struct {
	client    putter
	bucket    string
	encryptor *crypto.Encryptor
}

func NewS3Sink(ctx context.Context, region, bucket string, encryptor *crypto.Encryptor) (*S3Sink, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3SinkWithConfig(cfg, bucket, encryptor), nil
}

func NewS3SinkWithConfig(cfg aws.Config, bucket string, encryptor *crypto.Encryptor) *S3Sink {
	return &S3Sink{
		client:    s3.NewFromConfig(cfg),
		bucket:    bucket,
		encryptor: encryptor,
	}
}

func (s *S3Sink) Store(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	contentType := "application/json"
	if s.encryptor != nil {
		body, err = s.encryptor.Seal(body)
		if err != nil {
			return fmt.Errorf("seal payload: %w", err)
		}
		contentType = "application/octet-stream"
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(Key(p)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"org-id":     p.OrgID,
			"request-id": p.RequestID,
		},
	})
	if err != nil {
		return fmt.Errorf("put payload %s: %w", p.RequestID, err)
	}
	return nil
}

type InMemorySink struct {
	mu       sync.Mutex
	payloads []Payload
}

func NewInMemorySink() *InMemorySink {
	return &InMemorySink{}
}

func (s *InMemorySink) Store(ctx context.Context, p Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, p)
	return nil
}

func (s *InMemorySink) Payloads() []Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Payload, len(s.payloads))
	copy(out, s.payloads)
	return out
}
