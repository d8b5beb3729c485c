package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"bitbucket.org/mmdatafocus/fiscal_backend/models"
)

func TestPubSubSink_PrepareEnsuresTopic(t *testing.T) {
	p := NewPubSubSink(quietLogger())
	var got []string
	p.ensureTopic = func(ctx context.Context, topic string) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Fatalf("topic setup must be bounded")
		}
		got = append(got, topic)
		return nil
	}
	if err := p.Prepare(context.Background(), "fiscal-lifecycle"); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if len(got) != 1 || got[0] != "fiscal-lifecycle" {
		t.Fatalf("unexpected topics %v", got)
	}

	if err := p.Prepare(context.Background(), ""); err == nil {
		t.Fatalf("expected an error without a topic")
	}
	p.ensureTopic = func(context.Context, string) error { return errors.New("permission denied") }
	if err := p.Prepare(context.Background(), "fiscal-lifecycle"); err == nil {
		t.Fatalf("expected the topic error to surface")
	}
}

func TestPubSubSink_PublishIgnoresCallerCancel(t *testing.T) {
	p := NewPubSubSink(quietLogger())
	var mu sync.Mutex
	var kinds []string
	p.publish = func(ctx context.Context, tenantId, eventKind string, data []byte) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, eventKind)
		return "msg-1", nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Publish(ctx, models.LifecycleEvent{Kind: models.EventInvoiceAuthorized, TenantId: "tenant-1"})
	p.Wait()
	if len(kinds) != 1 || kinds[0] != string(models.EventInvoiceAuthorized) {
		t.Fatalf("unexpected publishes %v", kinds)
	}
}
