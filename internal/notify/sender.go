package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flowpbx/callscript/internal/database/models"
	"github.com/icholy/digest"
	"github.com/segmentio/kafka-go"
)

// Sender delivers one stored event. A nil error means the receiver
// accepted it.
type Sender interface {
	Send(ctx context.Context, ev models.OutboxEvent) error
}

// IdempotencyHeader carries the event's idempotency key.
const IdempotencyHeader = "Idempotency-Key"

// Auth modes for the HTTP sender.
const (
	AuthNone   = "none"
	AuthBasic  = "basic"
	AuthDigest = "digest"
)

// HTTPSender POSTs the event payload as JSON.
type HTTPSender struct {
	httpClient *http.Client
	url        string
	auth       string
	username   string
	password   string
}

// NewHTTPSender creates a sender for url. auth is one of AuthNone,
// AuthBasic or AuthDigest.
func NewHTTPSender(url, auth, username, password string) *HTTPSender {
	if auth == "" {
		auth = AuthNone
	}
	return &HTTPSender{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		url:        url,
		auth:       auth,
		username:   username,
		password:   password,
	}
}

func (s *HTTPSender) newRequest(ctx context.Context, ev models.OutboxEvent) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader([]byte(ev.Payload)))
	if err != nil {
		return nil, fmt.Errorf("notify: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyHeader, ev.IdempotencyKey)
	if s.auth == AuthBasic {
		req.SetBasicAuth(s.username, s.password)
	}
	return req, nil
}

// Send delivers ev. With digest auth the first request is expected to be
// challenged and is repeated with credentials.
func (s *HTTPSender) Send(ctx context.Context, ev models.OutboxEvent) error {
	req, err := s.newRequest(ctx, ev)
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: sending request: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized && s.auth == AuthDigest {
		wwwAuth := resp.Header.Get("WWW-Authenticate")
		drain(resp)
		if wwwAuth == "" {
			return fmt.Errorf("notify: receiver sent 401 but no WWW-Authenticate header")
		}

		chal, err := digest.ParseChallenge(wwwAuth)
		if err != nil {
			return fmt.Errorf("notify: parsing auth challenge: %w", err)
		}
		cred, err := digest.Digest(chal, digest.Options{
			Method:   http.MethodPost,
			URI:      req.URL.RequestURI(),
			Username: s.username,
			Password: s.password,
			Count:    1,
		})
		if err != nil {
			return fmt.Errorf("notify: computing digest: %w", err)
		}

		req, err = s.newRequest(ctx, ev)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", cred.String())

		resp, err = s.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("notify: sending authenticated request: %w", err)
		}
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notify: receiver returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
	resp.Body.Close()
}

// KafkaSender publishes the event payload keyed by call id, so all events
// of a call land on one partition.
type KafkaSender struct {
	writer *kafka.Writer
}

// NewKafkaSender creates a sender writing to topic on brokers.
func NewKafkaSender(brokers []string, topic string) *KafkaSender {
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	return &KafkaSender{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireAll,
			Transport:    &kafka.Transport{Dial: dialer.DialFunc},
		},
	}
}

// Message builds the Kafka record for ev.
func Message(ev models.OutboxEvent) kafka.Message {
	return kafka.Message{
		Key:   []byte(ev.CallID),
		Value: []byte(ev.Payload),
		Headers: []kafka.Header{
			{Key: IdempotencyHeader, Value: []byte(ev.IdempotencyKey)},
			{Key: "eventType", Value: []byte("call.completed")},
		},
	}
}

// Send writes ev to the topic.
func (s *KafkaSender) Send(ctx context.Context, ev models.OutboxEvent) error {
	if err := s.writer.WriteMessages(ctx, Message(ev)); err != nil {
		return fmt.Errorf("notify: writing to kafka: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSender) Close() error {
	return s.writer.Close()
}
