package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/imrishuroy/go-stripe-orderflow/internal/aws"
)

const keyAttr = "idempotency_key"

// ErrConditionFailed indicates a conditional write failed (e.g., attribute_not_exists)
var ErrConditionFailed = errors.New("conditional check failed")

// Store is the ledger of processed provider events, one item per event id.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	ttlWindow time.Duration
	nowFunc   func() time.Time
}

// NewStore returns a ledger on tableName. Entries expire ttlWindow after their first
// delivery (e.g., 48*time.Hour); the table's TTL attribute is expires_at.
func NewStore(client aws.DynamoDBAPI, tableName string, ttlWindow time.Duration) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		ttlWindow: ttlWindow,
		nowFunc:   time.Now,
	}
}

// Begin claims key for processing. created is true for a first delivery; otherwise the
// existing entry is returned (as read before this call) and its attempt counter bumped,
// so the caller can short-circuit events already DONE.
func (s *Store) Begin(ctx context.Context, key, eventType string) (*Record, bool, error) {
	created, err := s.CreateIfNotExists(ctx, key, eventType)
	if err != nil || created {
		return nil, created, err
	}
	rec, err := s.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	err = s.update(ctx, key, "SET attempts = if_not_exists(attempts, :zero) + :one, updated_at = :now", "",
		nil, map[string]types.AttributeValue{
			":zero": &types.AttributeValueMemberN{Value: "0"},
			":one":  &types.AttributeValueMemberN{Value: "1"},
		})
	if err != nil {
		return rec, false, fmt.Errorf("increment attempts: %w", err)
	}
	return rec, false, nil
}

// CreateIfNotExists writes an IN_PROGRESS entry unless key is already present.
// (false, nil) means the entry exists and the caller should Get it.
func (s *Store) CreateIfNotExists(ctx context.Context, key, eventType string) (bool, error) {
	now := s.nowFunc()
	item, err := attributevalue.MarshalMap(Record{
		IdempotencyKey: key,
		Status:         StatusInProgress,
		EventType:      eventType,
		Attempts:       1,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(s.ttlWindow).Unix(),
	})
	if err != nil {
		return false, fmt.Errorf("marshal record: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(" + keyAttr + ")"),
	})
	switch {
	case isConditionalFailure(err):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("put ledger entry %s: %w", key, err)
	}
	return true, nil
}

// Get retrieves a ledger entry by key. If not found, returns (nil, nil).
func (s *Store) Get(ctx context.Context, key string) (*Record, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            keyOf(key),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get ledger entry %s: %w", key, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal ledger entry: %w", err)
	}
	return &rec, nil
}

// MarkDone records that the event was applied with outcome. Later deliveries are duplicates.
func (s *Store) MarkDone(ctx context.Context, key, outcome string) error {
	err := s.update(ctx, key, "SET #s = :done, outcome = :outcome, updated_at = :now", "",
		map[string]string{"#s": "status"},
		map[string]types.AttributeValue{
			":done":    &types.AttributeValueMemberS{Value: StatusDone},
			":outcome": &types.AttributeValueMemberS{Value: outcome},
		})
	if err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	return nil
}

// MarkFailed leaves the entry open for redelivery with note. An entry already DONE is kept
// and ErrConditionFailed returned.
func (s *Store) MarkFailed(ctx context.Context, key, note string) error {
	err := s.update(ctx, key, "SET #s = :failed, note = :note, updated_at = :now", "#s <> :done",
		map[string]string{"#s": "status"},
		map[string]types.AttributeValue{
			":failed": &types.AttributeValueMemberS{Value: StatusFailed},
			":done":   &types.AttributeValueMemberS{Value: StatusDone},
			":note":   &types.AttributeValueMemberS{Value: note},
		})
	switch {
	case isConditionalFailure(err):
		return ErrConditionFailed
	case err != nil:
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// update issues a single-item UpdateItem on key; :now is always bound to the current time.
func (s *Store) update(ctx context.Context, key, expr, cond string, names map[string]string, values map[string]types.AttributeValue) error {
	values[":now"] = &types.AttributeValueMemberS{Value: s.nowFunc().UTC().Format(time.RFC3339Nano)}
	input := &dyn.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       keyOf(key),
		UpdateExpression:          awsString(expr),
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueNone,
	}
	if len(names) > 0 {
		input.ExpressionAttributeNames = names
	}
	if cond != "" {
		input.ConditionExpression = awsString(cond)
	}
	_, err := s.client.UpdateItem(ctx, input)
	return err
}

func keyOf(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{keyAttr: &types.AttributeValueMemberS{Value: key}}
}

func isConditionalFailure(err error) bool {
	if err == nil {
		return false
	}
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}

// Helpers
func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
