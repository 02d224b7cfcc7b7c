// Package kafka implements the dispatch bridge on a Kafka topic with consumer-group offsets.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/target/mmk-ledger/internal/core"
	apperrors "github.com/target/mmk-ledger/internal/errors"
)

// Config configures a Bridge.
type Config struct {
	Brokers  []string
	Topic    string
	GroupID  string
	ClientID string
	// WriteTimeout bounds one synchronous publish.
	WriteTimeout time.Duration
	// StartOffset is where a new group starts reading: "first" or "last" (default "first").
	StartOffset string
	// RetryBackoff is the pause before refetching a message the handler refused.
	RetryBackoff time.Duration
	Logger       *slog.Logger
}

// messageWriter and messageReader are the kafka-go surfaces the bridge needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Bridge publishes record ids synchronously and consumes them through a consumer group.
// Each Subscribe call joins the group as its own member, so concurrent
// subscribers split the topic's partitions between them.
type Bridge struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	w         messageWriter
	lastReset time.Time
	readers   map[messageReader]struct{}

	newWriter func(Config) messageWriter
	newReader func(Config) messageReader
}

var _ core.Dispatcher = (*Bridge)(nil)

// NewBridge creates a bridge. The writer connects lazily on first publish.
func NewBridge(cfg Config) (*Bridge, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "ledger-workers"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		cfg:       cfg,
		logger:    logger.With("component", "kafka_bridge", "topic", cfg.Topic, "group", cfg.GroupID),
		readers:   make(map[messageReader]struct{}),
		newWriter: defaultWriter,
		newReader: defaultReader,
	}
	b.w = b.newWriter(cfg)
	return b, nil
}

func defaultWriter(cfg Config) messageWriter {
	// Short metadata TTL lets the writer recover from broker address changes.
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
		Transport: &kafka.Transport{
			ClientID:    cfg.ClientID,
			MetadataTTL: 10 * time.Second,
		},
	}
}

func defaultReader(cfg Config) messageReader {
	start := kafka.FirstOffset
	if strings.EqualFold(cfg.StartOffset, "last") {
		start = kafka.LastOffset
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		StartOffset:    start,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		MaxWait:        500 * time.Millisecond,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
	})
}

// Publish writes body keyed by itself and waits for all in-sync replicas.
func (b *Bridge) Publish(ctx context.Context, body string) error {
	if strings.TrimSpace(body) == "" {
		return apperrors.Dispatch("dispatch message is empty")
	}
	msg := kafka.Message{Key: []byte(body), Value: []byte(body)}

	write := func() error {
		b.mu.Lock()
		w := b.w
		b.mu.Unlock()
		if w == nil {
			return errors.New("kafka bridge is closed")
		}
		cctx, cancel := context.WithTimeout(ctx, b.cfg.WriteTimeout)
		defer cancel()
		return w.WriteMessages(cctx, msg)
	}

	err := write()
	if err != nil && shouldReset(err) {
		b.resetWriter()
		err = write()
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDispatch, "publish to kafka")
	}
	return nil
}

// shouldReset reports network and metadata failures that a fresh writer may fix.
func shouldReset(err error) bool {
	s := strings.ToLower(err.Error())
	for _, sub := range []string{
		"dial tcp", "connection refused", "i/o timeout", "eof", "broken pipe",
		"not leader", "unknown broker", "failed to dial",
	} {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func (b *Bridge) resetWriter() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.w == nil || time.Since(b.lastReset) < 2*time.Second {
		return
	}
	_ = b.w.Close()
	b.w = b.newWriter(b.cfg)
	b.lastReset = time.Now()
	b.logger.Warn("kafka writer reset")
}

// Subscribe fetches messages and commits each offset after the handler acks it.
// A refused message is not committed; the reader is reopened so the message is
// fetched again from the last committed offset.
func (b *Bridge) Subscribe(ctx context.Context, h core.Handler) error {
	r := b.openReader()
	defer func() { b.closeReader(r) }()
	b.logger.InfoContext(ctx, "subscribed")

	var deliveries map[string]int64
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			b.logger.WarnContext(ctx, "kafka fetch failed", "error", err)
			if !sleep(ctx, b.cfg.RetryBackoff) {
				return nil
			}
			continue
		}

		handle := strconv.Itoa(m.Partition) + "/" + strconv.FormatInt(m.Offset, 10)
		if deliveries == nil {
			deliveries = make(map[string]int64)
		}
		deliveries[handle]++

		if !h(ctx, core.Message{ID: handle, Body: string(m.Value), Deliveries: deliveries[handle]}) {
			// Rewind to the committed offset by rejoining the group.
			b.closeReader(r)
			if !sleep(ctx, b.cfg.RetryBackoff) {
				return nil
			}
			r = b.openReader()
			continue
		}
		delete(deliveries, handle)
		if err := r.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.WarnContext(ctx, "kafka commit failed; message may be redelivered",
				"partition", m.Partition, "offset", m.Offset, "error", err)
		}
	}
}

func (b *Bridge) openReader() messageReader {
	r := b.newReader(b.cfg)
	b.mu.Lock()
	b.readers[r] = struct{}{}
	b.mu.Unlock()
	return r
}

func (b *Bridge) closeReader(r messageReader) {
	b.mu.Lock()
	_, ok := b.readers[r]
	delete(b.readers, r)
	b.mu.Unlock()
	if ok {
		_ = r.Close()
	}
}

// Close shuts down the writer and any active readers.
func (b *Bridge) Close() error {
	b.mu.Lock()
	w := b.w
	b.w = nil
	readers := make([]messageReader, 0, len(b.readers))
	for r := range b.readers {
		readers = append(readers, r)
	}
	b.readers = make(map[messageReader]struct{})
	b.mu.Unlock()

	var errs []error
	if w != nil {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close writer: %w", err))
		}
	}
	for _, r := range readers {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close reader: %w", err))
		}
	}
	return errors.Join(errs...)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
