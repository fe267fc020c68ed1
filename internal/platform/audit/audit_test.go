package audit

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ehr/fhirbundle/internal/platform/fhir"
	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakePublisher struct {
	sent []published
	err  error
}

func (f *fakePublisher) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{exchange, key, msg})
	return nil
}

func sampleRecord() fhir.AuditRecord {
	return fhir.AuditRecord{
		Timestamp:    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		RequestID:    "req-1",
		Tenant:       "acme",
		BundleType:   "transaction",
		EntryIndex:   2,
		Interaction:  "create",
		Method:       "POST",
		URL:          "Patient",
		ResourceType: "Patient",
		ResourceID:   "p1",
		VersionID:    1,
		Status:       201,
		Outcome:      "success",
	}
}

func TestRoutingKey(t *testing.T) {
	if got := RoutingKey(sampleRecord()); got != "patient.create" {
		t.Errorf("expected patient.create, got %s", got)
	}
	if got := RoutingKey(fhir.AuditRecord{Interaction: "search"}); got != "system.search" {
		t.Errorf("expected system.search, got %s", got)
	}
}

func TestAMQPSink_Emit(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewAMQPSink(pub, "fhir.audit")

	if err := sink.Emit(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pub.sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(pub.sent))
	}
	msg := pub.sent[0]
	if msg.exchange != "fhir.audit" || msg.key != "patient.create" {
		t.Errorf("expected fhir.audit/patient.create, got %s/%s", msg.exchange, msg.key)
	}
	if msg.msg.DeliveryMode != amqp.Persistent {
		t.Error("expected persistent delivery")
	}

	var decoded fhir.AuditRecord
	if err := json.Unmarshal(msg.msg.Body, &decoded); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if decoded.ResourceID != "p1" || decoded.Status != 201 {
		t.Errorf("unexpected record: %+v", decoded)
	}
}

func TestAMQPSink_EmitError(t *testing.T) {
	sink := NewAMQPSink(&fakePublisher{err: errors.New("channel closed")}, "x")
	err := sink.Emit(context.Background(), sampleRecord())
	if err == nil || !strings.Contains(err.Error(), "channel closed") {
		t.Errorf("expected wrapped publish error, got %v", err)
	}
}

func TestLogSink_Emit(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))
	if err := sink.Emit(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()
	for _, want := range []string{`"interaction":"create"`, `"resource_id":"p1"`, `"component":"audit"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected log to contain %s, got %s", want, out)
		}
	}
}

func TestMultiSink(t *testing.T) {
	rec := &Recorder{}
	failing := NewAMQPSink(&fakePublisher{err: errors.New("down")}, "x")
	multi := MultiSink{failing, rec}

	err := multi.Emit(context.Background(), sampleRecord())
	if err == nil {
		t.Error("expected joined error from failing sink")
	}
	if len(rec.Records()) != 1 {
		t.Errorf("expected remaining sinks to still receive the record, got %d", len(rec.Records()))
	}
}
