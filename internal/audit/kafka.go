package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	kgo "github.com/segmentio/kafka-go"

	logx "kidbot/pkg/logx"
)

// MessageWriter is the subset of *kafka.Writer used by KafkaSink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers   []string
	Topic     string
	QueueSize int
	// WriteTimeout bounds one batch write; 0 means 3s.
	WriteTimeout time.Duration
}

// KafkaSink publishes events as JSON keyed by tenant, so one tenant's events keep
// their order within a partition. Emit only enqueues; Run performs the writes.
type KafkaSink struct {
	w       MessageWriter
	log     logx.Logger
	queue   chan Event
	timeout time.Duration
	dropped atomic.Uint64
}

func NewKafkaSink(cfg KafkaConfig, log logx.Logger) (*KafkaSink, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, errors.New("kafka audit: no brokers")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka audit: topic is required")
	}
	w := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kgo.Hash{},
		RequiredAcks: kgo.RequireOne,
		BatchTimeout: 200 * time.Millisecond,
	}
	return NewKafkaSinkWriter(w, cfg, log), nil
}

// NewKafkaSinkWriter builds a sink over an existing writer.
func NewKafkaSinkWriter(w MessageWriter, cfg KafkaConfig, log logx.Logger) *KafkaSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 3 * time.Second
	}
	return &KafkaSink{w: w, log: log, queue: make(chan Event, cfg.QueueSize), timeout: cfg.WriteTimeout}
}

func (k *KafkaSink) Emit(_ context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	select {
	case k.queue <- e:
	default:
		if k.dropped.Add(1)%100 == 1 {
			k.log.Warn("kafka audit queue full, dropping events", logx.Uint64("dropped", k.dropped.Load()))
		}
	}
}

// Dropped counts events discarded because the queue was full.
func (k *KafkaSink) Dropped() uint64 { return k.dropped.Load() }

// Run writes queued events until ctx is done, then flushes what is left and closes
// the writer.
func (k *KafkaSink) Run(ctx context.Context) error {
	defer func() {
		if err := k.w.Close(); err != nil {
			k.log.Warn("kafka audit close failed", logx.Err(err))
		}
	}()
	for {
		select {
		case <-ctx.Done():
			k.flush()
			return nil
		case e := <-k.queue:
			k.write(context.WithoutCancel(ctx), e)
		}
	}
}

func (k *KafkaSink) flush() {
	for {
		select {
		case e := <-k.queue:
			k.write(context.Background(), e)
		default:
			return
		}
	}
}

func (k *KafkaSink) write(ctx context.Context, e Event) {
	b, err := json.Marshal(e)
	if err != nil {
		k.log.Warn("kafka audit encode failed", logx.Err(err))
		return
	}
	wctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	err = k.w.WriteMessages(wctx, kgo.Message{Key: []byte(e.Tenant), Value: b, Time: e.At})
	if err != nil {
		k.log.Warn("kafka audit write failed", logx.String("type", e.Type), logx.Tenant(e.Tenant), logx.Err(err))
	}
}
