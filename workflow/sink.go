package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/fiscal_backend/config"
	"bitbucket.org/mmdatafocus/fiscal_backend/models"
	"github.com/sirupsen/logrus"
)

// EventSink receives one event per committed transition. Publish must not
// block on delivery and must not fail the transition.
type EventSink interface {
	Publish(ctx context.Context, ev models.LifecycleEvent)
}

type NopSink struct{}

func (NopSink) Publish(context.Context, models.LifecycleEvent) {}

// MultiSink fans an event out to several sinks in order.
type MultiSink []EventSink

func (m MultiSink) Publish(ctx context.Context, ev models.LifecycleEvent) {
	for _, s := range m {
		if s != nil {
			s.Publish(ctx, ev)
		}
	}
}

// RecordingSink keeps every event it receives.
type RecordingSink struct {
	mu     sync.Mutex
	events []models.LifecycleEvent
}

func (r *RecordingSink) Publish(_ context.Context, ev models.LifecycleEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *RecordingSink) Events() []models.LifecycleEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.LifecycleEvent(nil), r.events...)
}

// PubSubSink mirrors lifecycle events to the configured Pub/Sub topic for
// downstream consumers (ERP sync, analytics). Failures are logged only.
type PubSubSink struct {
	Logger  *logrus.Logger
	Timeout time.Duration
	publish     func(ctx context.Context, tenantId, eventKind string, data []byte) (string, error)
	ensureTopic func(ctx context.Context, topic string) error
	wg          sync.WaitGroup
}

func NewPubSubSink(logger *logrus.Logger) *PubSubSink {
	return &PubSubSink{
		Logger:  logger,
		Timeout: 10 * time.Second,
		publish:     config.PublishLifecycleEvent,
		ensureTopic: config.EnsureLifecycleTopic,
	}
}

// Prepare makes sure the lifecycle topic exists before the first publish.
func (p *PubSubSink) Prepare(ctx context.Context, topic string) error {
	if topic == "" {
		return errors.New("PUBSUB_TOPIC is required for lifecycle publishing")
	}
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	if err := p.ensureTopic(ctx, topic); err != nil {
		return fmt.Errorf("pubsub topic %q: %w", topic, err)
	}
	return nil
}

func (p *PubSubSink) Publish(ctx context.Context, ev models.LifecycleEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		config.LogError(p.Logger, "PubSubSink", "Publish", "marshal lifecycle event", ev.Kind, err)
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.Timeout)
		defer cancel()
		msgId, err := p.publish(pubCtx, ev.TenantId, string(ev.Kind), body)
		if err != nil {
			p.Logger.WithFields(logrus.Fields{
				"field":       "PubSubSink",
				"tenant_id":   ev.TenantId,
				"event_kind":  ev.Kind,
				"document_id": ev.DocumentId,
			}).WithError(err).Warn("pubsub publish failed")
			return
		}
		p.Logger.WithFields(logrus.Fields{
			"field":      "PubSubSink",
			"tenant_id":  ev.TenantId,
			"event_kind": ev.Kind,
			"message_id": msgId,
		}).Debug("lifecycle event published")
	}()
}

// Wait blocks until in-flight publishes finish.
func (p *PubSubSink) Wait() {
	p.wg.Wait()
}
