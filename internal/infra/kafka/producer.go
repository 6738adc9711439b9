package kafka

import (
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/lledo-industries/auth-core/internal/infra/config"
)

// Producer wraps a Sarama AsyncProducer used to mirror security events.
type Producer struct {
	producer  sarama.AsyncProducer
	logger    *zap.Logger
	cfg       config.KafkaSettings
	onFailure func(*sarama.ProducerError)
	done      chan struct{}
	drained   chan struct{}
}

// ProducerOption customises a Producer.
type ProducerOption func(*Producer)

// WithDeliveryFailureHook runs fn for every message Kafka finally rejected.
func WithDeliveryFailureHook(fn func(*sarama.ProducerError)) ProducerOption {
	return func(p *Producer) {
		p.onFailure = fn
	}
}

// NewProducer starts an async producer. Delivery errors are logged by a
// background goroutine and never reach request handlers.
func NewProducer(cfg config.KafkaSettings, logger *zap.Logger, opts ...ProducerOption) (*Producer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_5_0_0
	saramaConfig.ClientID = "auth-core"

	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Producer.Flush.Frequency = 100 * time.Millisecond
	saramaConfig.Producer.Flush.Messages = 100
	saramaConfig.Producer.Retry.Max = 3
	saramaConfig.Producer.Return.Successes = false
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.Partitioner = sarama.NewHashPartitioner

	saramaConfig.Metadata.Retry.Max = 3
	saramaConfig.Metadata.Retry.Backoff = 250 * time.Millisecond

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	logger.Info("kafka producer started",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic_prefix", cfg.TopicPrefix),
		zap.Bool("async", cfg.Async),
	)

	return newProducer(producer, cfg, logger, opts...), nil
}

func newProducer(ap sarama.AsyncProducer, cfg config.KafkaSettings, logger *zap.Logger, opts ...ProducerOption) *Producer {
	p := &Producer{
		producer: ap,
		logger:   logger,
		cfg:      cfg,
		done:     make(chan struct{}),
		drained:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	go p.handleErrors()
	return p
}

func (p *Producer) handleErrors() {
	defer close(p.drained)
	for {
		select {
		case perr, ok := <-p.producer.Errors():
			if !ok {
				return
			}
			if perr == nil {
				continue
			}
			fields := []zap.Field{zap.Error(perr.Err)}
			if perr.Msg != nil {
				fields = append(fields, zap.String("topic", perr.Msg.Topic))
			}
			p.logger.Error("security event delivery failed", fields...)
			if p.onFailure != nil {
				p.onFailure(perr)
			}
		case <-p.done:
			return
		}
	}
}

// Producer returns the underlying Sarama AsyncProducer.
func (p *Producer) Producer() sarama.AsyncProducer {
	return p.producer
}

// Close flushes buffered messages and stops the error loop.
func (p *Producer) Close() error {
	p.logger.Info("closing kafka producer")
	close(p.done)
	<-p.drained

	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}

// TopicName prefixes name with the configured topic prefix.
func (p *Producer) TopicName(name string) string {
	if p.cfg.TopicPrefix == "" {
		return name
	}

	prefix := p.cfg.TopicPrefix + "."
	if strings.HasPrefix(name, prefix) {
		return name
	}
	return prefix + name
}
