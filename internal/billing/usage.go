package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/lyralabs/companion-gateway/internal/config"
	"github.com/lyralabs/companion-gateway/internal/logger"
	"github.com/lyralabs/companion-gateway/internal/metrics"
)

// Usage is a single billable usage event.
type Usage struct {
	UserID           string    `dynamodbav:"user_id" json:"user_id"`
	ConversationID   string    `dynamodbav:"conversation_id" json:"conversation_id"`
	Model            string    `dynamodbav:"model" json:"model"`
	PromptTokens     int       `dynamodbav:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int       `dynamodbav:"completion_tokens" json:"completion_tokens"`
	TotalTokens      int       `dynamodbav:"total_tokens" json:"total_tokens"`
	Timestamp        time.Time `dynamodbav:"timestamp,unixtime" json:"timestamp"`
}

// Recorder persists usage events.
type Recorder interface {
	RecordUsage(ctx context.Context, usage Usage) error
}

// usageRetention controls the DynamoDB TTL attribute on usage records.
const usageRetention = 90 * 24 * time.Hour

// DynamoRecorder writes usage records to a DynamoDB table.
type DynamoRecorder struct {
	client *dynamodb.Client
	table  string
	logger *logger.ComponentLogger
}

// NewDynamoRecorder creates a recorder backed by the configured table.
func NewDynamoRecorder(ctx context.Context, cfg *config.BillingConfig) (*DynamoRecorder, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &DynamoRecorder{
		client: dynamodb.NewFromConfig(awsCfg),
		table:  cfg.UsageTable,
		logger: logger.Get().WithComponent("billing.usage"),
	}, nil
}

// RecordUsage writes one usage event. Records carry a TTL attribute so
// the table can expire them after the retention window.
func (r *DynamoRecorder) RecordUsage(ctx context.Context, usage Usage) error {
	if usage.Timestamp.IsZero() {
		usage.Timestamp = time.Now()
	}

	item, err := attributevalue.MarshalMap(usage)
	if err != nil {
		metrics.RecordUsageRecord("marshal_error")
		return fmt.Errorf("failed to marshal usage record: %w", err)
	}
	item["expires_at"], err = attributevalue.Marshal(usage.Timestamp.Add(usageRetention).Unix())
	if err != nil {
		metrics.RecordUsageRecord("marshal_error")
		return fmt.Errorf("failed to marshal expiry: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.table),
		Item:      item,
	})
	if err != nil {
		metrics.RecordUsageRecord("error")
		r.logger.Error("failed to record usage", logger.Fields{
			"user_id": usage.UserID,
			"table":   r.table,
			"error":   err.Error(),
		})
		return fmt.Errorf("failed to record usage: %w", err)
	}

	metrics.RecordUsageRecord("success")
	return nil
}

// NopRecorder discards usage events. Used when billing is disabled.
type NopRecorder struct{}

// RecordUsage discards the event.
func (NopRecorder) RecordUsage(context.Context, Usage) error { return nil }
