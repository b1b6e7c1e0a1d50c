package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/grc-retrieval/internal/core/domain"
	"github.com/kirillkom/grc-retrieval/internal/infrastructure/resilience"
)

const (
	DefaultSubject    = "records.changed"
	DefaultQueueGroup = "indexers"
)

// ChangeBus publishes record change notifications and feeds them to a
// queue-group consumer, so each change is indexed by exactly one worker.
type ChangeBus struct {
	conn       *nats.Conn
	subject    string
	queueGroup string
	executor   *resilience.Executor
	logger     *slog.Logger
}

type Options struct {
	Name                 string
	QueueGroup           string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	Logger               *slog.Logger
}

func New(url, subject string) (*ChangeBus, error) {
	return NewWithOptions(url, subject, Options{})
}

func NewWithOptions(url, subject string, options Options) (*ChangeBus, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	name := options.Name
	if name == "" {
		name = "grc-retrieval"
	}
	queueGroup := options.QueueGroup
	if queueGroup == "" {
		queueGroup = DefaultQueueGroup
	}
	if strings.TrimSpace(subject) == "" {
		subject = DefaultSubject
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(
		url,
		nats.Name(name),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &ChangeBus{
		conn:       conn,
		subject:    subject,
		queueGroup: queueGroup,
		executor:   options.ResilienceExecutor,
		logger:     logger,
	}, nil
}

func (b *ChangeBus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

func (b *ChangeBus) PublishRecordChanged(ctx context.Context, change domain.RecordChange) error {
	payload, err := encodeChange(change)
	if err != nil {
		return err
	}

	call := func(_ context.Context) error {
		if err := b.conn.Publish(b.subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	return wrapTemporaryIfNeeded(b.executor.Execute(ctx, "nats.publish", call, classifyNATSError))
}

// SubscribeRecordChanges blocks until ctx is done, then drains the subscription.
func (b *ChangeBus) SubscribeRecordChanges(ctx context.Context, handler func(context.Context, domain.RecordChange) error) error {
	sub, err := b.conn.QueueSubscribe(b.subject, b.queueGroup, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}

		change, err := decodeChange(msg.Data)
		if err != nil {
			b.logger.Error("record_change_decode_failed", "subject", msg.Subject, "error", err)
			return
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handler(handlerCtx, change); err != nil {
			b.logger.Error("record_change_handler_failed",
				"namespace", change.Namespace,
				"record_id", change.RecordID,
				"operation", change.Operation,
				"error", err,
			)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := b.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func encodeChange(change domain.RecordChange) ([]byte, error) {
	if err := validateChange(change); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(change)
	if err != nil {
		return nil, fmt.Errorf("marshal record change: %w", err)
	}
	return payload, nil
}

func decodeChange(data []byte) (domain.RecordChange, error) {
	var change domain.RecordChange
	if err := json.Unmarshal(data, &change); err != nil {
		return domain.RecordChange{}, domain.WrapError(domain.ErrInvalidInput, "decode record change", err)
	}
	if err := validateChange(change); err != nil {
		return domain.RecordChange{}, err
	}
	return change, nil
}

func validateChange(change domain.RecordChange) error {
	if strings.TrimSpace(change.Namespace) == "" || strings.TrimSpace(change.RecordID) == "" {
		return domain.WrapError(domain.ErrInvalidInput, "record change", errors.New("namespace and record id are required"))
	}
	if !change.Operation.Valid() {
		return domain.WrapError(domain.ErrInvalidInput, "record change", fmt.Errorf("unsupported operation %q", change.Operation))
	}
	return nil
}
