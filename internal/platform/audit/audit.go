// Package audit delivers bundle audit records to logs and message brokers.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ehr/fhirbundle/internal/platform/fhir"
	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// LogSink writes every record as a structured log event.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink tags every event with component=audit.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

// Emit logs the record at info level, or warn for failures. It never fails.
func (s *LogSink) Emit(_ context.Context, rec fhir.AuditRecord) error {
	evt := s.logger.Info()
	if rec.Outcome != "success" {
		evt = s.logger.Warn()
	}
	evt.
		Str("request_id", rec.RequestID).
		Str("tenant", rec.Tenant).
		Str("user", rec.User).
		Str("bundle_type", rec.BundleType).
		Int("entry", rec.EntryIndex).
		Str("interaction", rec.Interaction).
		Str("method", rec.Method).
		Str("url", rec.URL).
		Str("resource_type", rec.ResourceType).
		Str("resource_id", rec.ResourceID).
		Int("version_id", rec.VersionID).
		Int("status", rec.Status).
		Str("outcome", rec.Outcome).
		Dur("elapsed", rec.Elapsed).
		Msg("bundle interaction")
	return nil
}

// Publisher is the part of *amqp.Channel the AMQP sink uses.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSink publishes records as JSON to a topic exchange with routing key
// "<resourceType>.<interaction>".
type AMQPSink struct {
	mu       sync.Mutex
	pub      Publisher
	exchange string
}

// NewAMQPSink publishes through pub to the given exchange.
func NewAMQPSink(pub Publisher, exchange string) *AMQPSink {
	return &AMQPSink{pub: pub, exchange: exchange}
}

// DialAMQP connects to the broker, declares the durable topic exchange and
// returns a sink publishing to it together with the connection to close.
func DialAMQP(url, exchange string) (*AMQPSink, *amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to amqp broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return NewAMQPSink(ch, exchange), conn, nil
}

// RoutingKey returns the routing key a record is published under.
func RoutingKey(rec fhir.AuditRecord) string {
	rt := rec.ResourceType
	if rt == "" {
		rt = "system"
	}
	action := rec.Interaction
	if action == "" {
		action = "unknown"
	}
	return strings.ToLower(rt) + "." + action
}

// Emit publishes one persistent JSON message. ctx bounds the publish.
func (s *AMQPSink) Emit(ctx context.Context, rec fhir.AuditRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    rec.Timestamp,
		MessageId:    fmt.Sprintf("%s-%d", rec.RequestID, rec.EntryIndex),
		Body:         body,
		Headers: amqp.Table{
			"tenant":  rec.Tenant,
			"outcome": rec.Outcome,
		},
	}

	// amqp channels are not safe for concurrent publishing.
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.pub.PublishWithContext(ctx, s.exchange, RoutingKey(rec), false, false, msg); err != nil {
		return fmt.Errorf("publish audit record: %w", err)
	}
	return nil
}

// MultiSink fans a record out to several sinks. Every sink is tried; the
// failures are joined.
type MultiSink []fhir.AuditSink

// Emit delivers rec to every sink.
func (m MultiSink) Emit(ctx context.Context, rec fhir.AuditRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps records in memory. It backs tests and the process command.
type Recorder struct {
	mu      sync.Mutex
	records []fhir.AuditRecord
}

// Emit appends rec.
func (r *Recorder) Emit(_ context.Context, rec fhir.AuditRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

// Records returns a copy of the records emitted so far.
func (r *Recorder) Records() []fhir.AuditRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]fhir.AuditRecord(nil), r.records...)
}
