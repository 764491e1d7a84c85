package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
)

type fakeQueue struct {
	messages []string
	err      error
}

func (f *fakeQueue) EnqueueMessage(_ context.Context, content string, _ *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error) {
	if f.err != nil {
		return azqueue.EnqueueMessagesResponse{}, f.err
	}
	f.messages = append(f.messages, content)
	return azqueue.EnqueueMessagesResponse{}, nil
}

func TestQueuePublisherEncodesEvent(t *testing.T) {
	q := &fakeQueue{}
	p := &QueuePublisher{queue: q}

	if err := p.Publish(context.Background(), newChangeEvent("u1", OpRemoved, "a")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(q.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(q.messages))
	}
	var ev ChangeEvent
	if err := sonic.UnmarshalString(q.messages[0], &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.OwnerID != "u1" || ev.Op != OpRemoved || len(ev.TaskIDs) != 1 || ev.TaskIDs[0] != "a" {
		t.Fatalf("unexpected event %#v", ev)
	}
}

func TestQueuePublisherReturnsEnqueueError(t *testing.T) {
	boom := errors.New("boom")
	p := &QueuePublisher{queue: &fakeQueue{err: boom}}
	if err := p.Publish(context.Background(), newChangeEvent("u1", OpCreated, "a")); !errors.Is(err, boom) {
		t.Fatalf("expected enqueue error, got %v", err)
	}
}
