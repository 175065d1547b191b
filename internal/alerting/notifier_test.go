package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func sampleNote() Notification {
	return Notification{
		AlertID:      "4f1c",
		LocationID:   "1",
		LocationName: "Room 1",
		Metric:       "temperature",
		Value:        decimal.NewFromFloat(30.2),
		Threshold:    decimal.NewFromInt(29),
		RaisedAt:     time.Date(2026, 6, 1, 14, 0, 0, 0, time.UTC),
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/bottoken/sendMessage") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote()); err != nil {
		t.Fatalf("notify: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id = %#v", received)
	}
	text := received["text"]
	if !strings.Contains(text, "Room 1") || !strings.Contains(text, "30.2°C") || !strings.Contains(text, "threshold 29.0°C") {
		t.Fatalf("text = %q", text)
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote()); err == nil {
		t.Fatal("ok=false should be an error")
	}
}

type fakeSNS struct {
	input *sns.PublishInput
	err   error
}

func (f *fakeSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("m-1")}, nil
}

func TestSNSNotifierPublishes(t *testing.T) {
	client := &fakeSNS{}
	n := NewSNSNotifierWithClient(client, "arn:aws:sns:us-east-1:123:roomwatch", testLogger())
	if err := n.Notify(context.Background(), sampleNote()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if aws.ToString(client.input.TopicArn) != "arn:aws:sns:us-east-1:123:roomwatch" {
		t.Fatalf("topic = %s", aws.ToString(client.input.TopicArn))
	}
	if got := aws.ToString(client.input.Subject); got != "Temperature above threshold in Room 1" {
		t.Fatalf("subject = %q", got)
	}
	if aws.ToString(client.input.MessageAttributes["metric"].StringValue) != "temperature" {
		t.Fatalf("attributes = %+v", client.input.MessageAttributes)
	}
}

type stubNotifier struct {
	name string
	err  error
	hits int
}

func (s *stubNotifier) Name() string { return s.name }

func (s *stubNotifier) Notify(context.Context, Notification) error {
	s.hits++
	return s.err
}

func TestDispatcherContinuesPastFailures(t *testing.T) {
	broken := &stubNotifier{name: "telegram", err: errors.New("bot blocked")}
	ok := &stubNotifier{name: "sns"}
	d := NewDispatcher(testLogger(), broken, nil, ok)

	if got := d.Channels(); len(got) != 2 {
		t.Fatalf("channels = %v", got)
	}
	delivered, err := d.Dispatch(context.Background(), sampleNote())
	if err == nil || !strings.Contains(err.Error(), "telegram") {
		t.Fatalf("expected joined telegram error, got %v", err)
	}
	if len(delivered) != 1 || delivered[0] != "sns" {
		t.Fatalf("delivered = %v", delivered)
	}
	if broken.hits != 1 || ok.hits != 1 {
		t.Fatalf("hits = %d/%d", broken.hits, ok.hits)
	}
}

func TestDispatcherWithoutChannels(t *testing.T) {
	delivered, err := NewDispatcher(testLogger()).Dispatch(context.Background(), sampleNote())
	if err != nil || delivered != nil {
		t.Fatalf("delivered=%v err=%v", delivered, err)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
