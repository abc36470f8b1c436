package aws

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

type mockSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (m *mockSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.inputs = append(m.inputs, in)
	return &sqs.SendMessageOutput{}, nil
}

type mockCloudWatch struct {
	inputs []*cloudwatch.PutMetricDataInput
}

func (m *mockCloudWatch) PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	m.inputs = append(m.inputs, in)
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func TestPublisher_SendMessage(t *testing.T) {
	mock := &mockSQS{}
	p := NewPublisher(mock, "https://sqs.local/settlements")

	err := p.SendMessage(context.Background(), `{"attempt":1}`, 90*time.Second, map[string]string{
		"payment_intent_id": "pi_1",
		"correlation_id":    "",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mock.inputs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(mock.inputs))
	}
	in := mock.inputs[0]
	if *in.QueueUrl != "https://sqs.local/settlements" {
		t.Fatalf("queue url mismatch: %s", *in.QueueUrl)
	}
	if in.DelaySeconds != 90 {
		t.Fatalf("expected delay 90s, got %d", in.DelaySeconds)
	}
	if _, ok := in.MessageAttributes["correlation_id"]; ok {
		t.Fatalf("empty attributes must be skipped")
	}
	if v := in.MessageAttributes["payment_intent_id"].StringValue; v == nil || *v != "pi_1" {
		t.Fatalf("payment_intent_id attribute missing")
	}
}

func TestPublisher_SendMessage_CapsDelay(t *testing.T) {
	mock := &mockSQS{}
	p := NewPublisher(mock, "q")

	if err := p.SendMessage(context.Background(), "{}", time.Hour, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mock.inputs[0].DelaySeconds != 900 {
		t.Fatalf("expected delay capped at 900s, got %d", mock.inputs[0].DelaySeconds)
	}
}

func TestPublisher_SendMessage_Error(t *testing.T) {
	sendErr := errors.New("throttled")
	p := NewPublisher(&mockSQS{err: sendErr}, "q")

	err := p.SendMessage(context.Background(), "{}", 0, nil)
	if !errors.Is(err, sendErr) {
		t.Fatalf("expected wrapped send error, got %v", err)
	}
}

func TestMetrics_IncrCounter(t *testing.T) {
	mock := &mockCloudWatch{}
	m := NewMetrics(mock, "OrderFlow")

	if err := m.IncrCounter(context.Background(), "ReconcileOutcome", map[string]string{"Outcome": "ignored", "Provider": "stripe"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mock.inputs) != 1 {
		t.Fatalf("expected 1 put, got %d", len(mock.inputs))
	}
	datum := mock.inputs[0].MetricData[0]
	if *datum.MetricName != "ReconcileOutcome" || *datum.Value != 1 {
		t.Fatalf("unexpected datum: %+v", datum)
	}
	if len(datum.Dimensions) != 2 || *datum.Dimensions[0].Name != "Outcome" {
		t.Fatalf("dimensions must be sorted by name: %+v", datum.Dimensions)
	}
}
