package kafka

import (
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap/zaptest"

	"github.com/lledo-industries/auth-core/internal/infra/config"
)

func TestProducerReportsDeliveryFailures(t *testing.T) {
	asyncProducer := newFakeAsyncProducer()
	failures := make(chan *sarama.ProducerError, 1)
	newTestProducer(t, asyncProducer, WithDeliveryFailureHook(func(perr *sarama.ProducerError) {
		failures <- perr
	}))

	asyncProducer.errors <- &sarama.ProducerError{
		Msg: &sarama.ProducerMessage{Topic: "auth.security-events"},
		Err: errors.New("leader not available"),
	}

	select {
	case perr := <-failures:
		if perr.Msg.Topic != "auth.security-events" {
			t.Fatalf("unexpected topic %q", perr.Msg.Topic)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected the failure hook to run")
	}
}

func TestProducerTopicName(t *testing.T) {
	cases := []struct {
		prefix string
		name   string
		want   string
	}{
		{prefix: "", name: "security-events", want: "security-events"},
		{prefix: "auth", name: "security-events", want: "auth.security-events"},
		{prefix: "auth", name: "auth.security-events", want: "auth.security-events"},
	}

	for _, tc := range cases {
		p := newProducer(newFakeAsyncProducer(), config.KafkaSettings{TopicPrefix: tc.prefix}, zaptest.NewLogger(t))
		if got := p.TopicName(tc.name); got != tc.want {
			t.Fatalf("TopicName(%q) with prefix %q = %q, want %q", tc.name, tc.prefix, got, tc.want)
		}
		_ = p.Close()
	}
}
