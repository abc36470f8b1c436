package orders

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/imrishuroy/go-stripe-orderflow/internal/aws"
)

var (
	// ErrNotFound means no order matched the lookup key. For settlements it is the expected
	// "charge arrived before its session" race, not a failure.
	ErrNotFound = errors.New("order not found")
	// ErrInvalidKey rejects empty lookup keys before any round trip.
	ErrInvalidKey = errors.New("order key is empty")
)

// timeLayout is fixed width so created_at sorts lexicographically in the email index.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Store encapsulates operations on the orders table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a new orders Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// UpsertBySession inserts the order for sessionID or merges f into the existing row in a
// single conditional UpdateItem. Set-once fields (created_at, amount, currency, contact
// metadata, payment intent) are written with if_not_exists; receipt_url only when supplied.
// A terminal status never replaces a different terminal status.
func (s *Store) UpsertBySession(ctx context.Context, sessionID string, f SessionFields) (*Order, error) {
	if sessionID == "" {
		return nil, ErrInvalidKey
	}
	now := s.stamp()

	build := func(withStatus bool) *update {
		u := newUpdate()
		u.setOnce(attrCreatedAt, str(now))
		u.set(attrUpdatedAt, str(now))
		u.setOnce(attrAmountTotal, num(f.AmountTotal))
		u.setOnceIfPresent(attrCurrency, f.Currency)
		u.setOnceIfPresent(attrPaymentIntentID, f.PaymentIntentID)
		u.setOnceIfPresent(attrEmail, f.Email)
		u.setOnceIfPresent(attrCity, f.City)
		u.setOnceIfPresent(attrSlot, f.Slot)
		u.setIfPresent(attrReceiptURL, f.ReceiptURL)

		status := f.Status
		if status == "" {
			status = StatusPending
		}
		switch {
		case !isTerminal(status):
			u.setOnce(attrStatus, str(status))
		case withStatus:
			u.set(attrStatus, str(status))
			u.where(statusGuard(u))
		}
		return u
	}

	out, err := s.apply(ctx, sessionID, build(true))
	if isConditionalFailure(err) {
		// existing row holds the other terminal status; merge everything else.
		out, err = s.apply(ctx, sessionID, build(false))
	}
	if err != nil {
		return nil, fmt.Errorf("upsert order %s: %w", sessionID, err)
	}
	return out, nil
}

// UpdateByPaymentIntent merges a settlement into the order carrying paymentIntentID and moves
// it toward paid. Returns ErrNotFound when no such order exists yet.
func (s *Store) UpdateByPaymentIntent(ctx context.Context, paymentIntentID string, f SettlementFields) (*Order, error) {
	if paymentIntentID == "" {
		return nil, ErrInvalidKey
	}
	sessionID, err := s.sessionForPaymentIntent(ctx, paymentIntentID)
	if err != nil {
		return nil, err
	}
	now := s.stamp()

	build := func(withStatus bool) *update {
		u := newUpdate()
		u.set(attrUpdatedAt, str(now))
		u.setIfPresent(attrChargeID, f.ChargeID)
		u.setIfPresent(attrReceiptURL, f.ReceiptURL)
		u.where(fmt.Sprintf("attribute_exists(%s)", u.name(attrSessionID)))
		u.where(fmt.Sprintf("%s = %s", u.name(attrPaymentIntentID), u.value("pi_match", str(paymentIntentID))))
		if withStatus {
			u.set(attrStatus, str(StatusPaid))
			u.where(statusGuard(u))
		}
		return u
	}

	out, err := s.apply(ctx, sessionID, build(true))
	if isConditionalFailure(err) {
		out, err = s.apply(ctx, sessionID, build(false))
	}
	if isConditionalFailure(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update order by payment intent %s: %w", paymentIntentID, err)
	}
	return out, nil
}

// Get fetches an order by session_id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            map[string]types.AttributeValue{attrSessionID: str(sessionID)},
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// ListByEmail returns up to limit orders for email, newest first.
func (s *Store) ListByEmail(ctx context.Context, email string, limit int) ([]Order, error) {
	if email == "" {
		return nil, ErrInvalidKey
	}
	out, err := s.client.Query(ctx, &dyn.QueryInput{
		TableName:                 &s.tableName,
		IndexName:                 awsString(EmailIndex),
		KeyConditionExpression:    awsString("#email = :email"),
		ExpressionAttributeNames:  map[string]string{"#email": attrEmail},
		ExpressionAttributeValues: map[string]types.AttributeValue{":email": str(email)},
		ScanIndexForward:          awsBool(false),
		Limit:                     awsInt32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("query orders by email: %w", err)
	}
	orders := make([]Order, 0, len(out.Items))
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &orders); err != nil {
		return nil, fmt.Errorf("unmarshal orders: %w", err)
	}
	return orders, nil
}

func (s *Store) sessionForPaymentIntent(ctx context.Context, paymentIntentID string) (string, error) {
	out, err := s.client.Query(ctx, &dyn.QueryInput{
		TableName:                 &s.tableName,
		IndexName:                 awsString(PaymentIntentIndex),
		KeyConditionExpression:    awsString("#pi = :pi"),
		ExpressionAttributeNames:  map[string]string{"#pi": attrPaymentIntentID},
		ExpressionAttributeValues: map[string]types.AttributeValue{":pi": str(paymentIntentID)},
		Limit:                     awsInt32(1),
	})
	if err != nil {
		return "", fmt.Errorf("query payment intent index: %w", err)
	}
	if len(out.Items) == 0 {
		return "", ErrNotFound
	}
	sid, ok := out.Items[0][attrSessionID].(*types.AttributeValueMemberS)
	if !ok || sid.Value == "" {
		return "", fmt.Errorf("payment intent index row for %s has no session_id", paymentIntentID)
	}
	return sid.Value, nil
}

func (s *Store) apply(ctx context.Context, sessionID string, u *update) (*Order, error) {
	input := &dyn.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       map[string]types.AttributeValue{attrSessionID: str(sessionID)},
		UpdateExpression:          awsString(u.expression()),
		ExpressionAttributeNames:  u.names,
		ExpressionAttributeValues: u.values,
		ReturnValues:              types.ReturnValueAllNew,
	}
	if c := u.condition(); c != "" {
		input.ConditionExpression = awsString(c)
	}

	out, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		return nil, err
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Attributes, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

func (s *Store) stamp() string {
	return s.nowFunc().UTC().Format(timeLayout)
}

// statusGuard admits a terminal status write only over a missing, pending or identical status.
func statusGuard(u *update) string {
	n := u.name(attrStatus)
	return fmt.Sprintf("(attribute_not_exists(%s) OR %s = %s OR %s = %s)",
		n, n, u.value("status_pending", str(StatusPending)), n, ":"+attrStatus)
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

// IsRetryable reports whether err is a transient DynamoDB failure worth redelivering.
func IsRetryable(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "ProvisionedThroughputExceededException", "ThrottlingException", "RequestLimitExceeded",
		"InternalServerError", "ServiceUnavailable", "TransactionConflictException":
		return true
	}
	return apiErr.ErrorFault() == smithy.FaultServer
}

// update accumulates a SET expression with one placeholder per attribute.
type update struct {
	sets       []string
	conditions []string
	names      map[string]string
	values     map[string]types.AttributeValue
}

func newUpdate() *update {
	return &update{
		names:  map[string]string{},
		values: map[string]types.AttributeValue{},
	}
}

func (u *update) name(attr string) string {
	ph := "#" + attr
	u.names[ph] = attr
	return ph
}

func (u *update) value(key string, v types.AttributeValue) string {
	ph := ":" + key
	u.values[ph] = v
	return ph
}

func (u *update) set(attr string, v types.AttributeValue) {
	u.sets = append(u.sets, fmt.Sprintf("%s = %s", u.name(attr), u.value(attr, v)))
}

func (u *update) setOnce(attr string, v types.AttributeValue) {
	n := u.name(attr)
	u.sets = append(u.sets, fmt.Sprintf("%s = if_not_exists(%s, %s)", n, n, u.value(attr, v)))
}

func (u *update) setIfPresent(attr, v string) {
	if v != "" {
		u.set(attr, str(v))
	}
}

func (u *update) setOnceIfPresent(attr, v string) {
	if v != "" {
		u.setOnce(attr, str(v))
	}
}

func (u *update) where(cond string) {
	u.conditions = append(u.conditions, cond)
}

func (u *update) expression() string {
	return "SET " + strings.Join(u.sets, ", ")
}

func (u *update) condition() string {
	return strings.Join(u.conditions, " AND ")
}

func str(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

func num(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
func awsInt32(i int32) *int32    { return &i }
