package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"docvault/pkg/domain"
)

const (
	streamName              = "UPLOADS"
	SubjectStartProcessing  = "uploads.processing"
	SubjectProcessingFailed = "uploads.processing-failed"
	failureConsumerName     = "upload-pipeline"
)

// Publisher emits start-of-processing events for downstream consumers.
// Publishing is best-effort: callers log a failed publish and move on, it is
// never part of the upload's consistency guarantee.
type Publisher interface {
	PublishStartProcessing(ctx context.Context, ev domain.ProcessingEvent) error
}

// NATSBus connects the pipeline to the external event stream over NATS
// JetStream.
type NATSBus struct {
	logger *slog.Logger
	conn   *nats.Conn
	js     jetstream.JetStream
	wg     sync.WaitGroup
	iter   jetstream.MessagesContext
}

// NewNATSBus connects to NATS and ensures the uploads stream exists.
func NewNATSBus(url, name string, logger *slog.Logger) (*NATSBus, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to JetStream: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"uploads.>"},
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}
	return &NATSBus{logger: logger, conn: conn, js: js}, nil
}

// PublishStartProcessing announces that a record's current storage key
// generation has begun processing.
func (b *NATSBus) PublishStartProcessing(ctx context.Context, ev domain.ProcessingEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := b.js.Publish(ctx, SubjectStartProcessing, data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// SubscribeProcessingFailed delivers failures reported by downstream
// consumers to handler until ctx is canceled. Handler errors nak the
// message for redelivery.
func (b *NATSBus) SubscribeProcessingFailed(ctx context.Context, handler func(context.Context, domain.ProcessingFailure) error) error {
	cons, err := b.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Durable:       failureConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: SubjectProcessingFailed,
		AckWait:       10 * time.Second,
		MaxDeliver:    5,
	})
	if err != nil {
		return err
	}
	iter, err := cons.Messages()
	if err != nil {
		return err
	}
	b.iter = iter

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-ctx.Done():
				b.logger.Info("event subscription stopped")
				return
			default:
				msg, err := iter.Next()
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					b.logger.Error("failed to receive message", "error", err)
					return
				}
				var failure domain.ProcessingFailure
				if err := json.Unmarshal(msg.Data(), &failure); err != nil {
					b.logger.Warn("discarding malformed failure event", "error", err)
					_ = msg.Ack()
					continue
				}
				if handleErr := handler(ctx, failure); handleErr != nil {
					if errNak := msg.Nak(); errNak != nil {
						b.logger.Error("failed to nak message", "error", errNak)
					}
					b.logger.Warn("failed to handle failure event", "error", handleErr)
					continue
				}
				if ackErr := msg.Ack(); ackErr != nil {
					b.logger.Error("failed to ack message", "error", ackErr)
				}
			}
		}
	}()
	return nil
}

// Close drains the subscription and disconnects.
func (b *NATSBus) Close() {
	if b.iter != nil {
		b.iter.Stop()
	}
	b.wg.Wait()
	b.conn.Close()
}
