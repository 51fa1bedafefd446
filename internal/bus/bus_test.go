package bus

import (
	"testing"
	"time"

	"askhuman/internal/domain"
)

func TestFeedBus_PublishPreservesOrder(t *testing.T) {
	b := New(10, testEBLogger())
	defer b.Close()

	for _, id := range []string{"1", "2", "3"} {
		b.Publish(domain.InboundEvent{Transport: "test", MessageID: id})
	}

	for _, want := range []string{"1", "2", "3"} {
		select {
		case ev := <-b.Subscribe():
			if ev.MessageID != want {
				t.Fatalf("expected message %s, got %s", want, ev.MessageID)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestFeedBus_PublishAfterClose(t *testing.T) {
	b := New(1, testEBLogger())
	b.Close()
	// Must not panic on a closed channel.
	b.Publish(domain.InboundEvent{Transport: "test"})

	if _, ok := <-b.Subscribe(); ok {
		t.Error("expected closed feed")
	}
}

func TestFeedBus_CloseTwice(t *testing.T) {
	b := New(1, testEBLogger())
	b.Close()
	b.Close()
}

func TestFeedBus_DefaultBufferSize(t *testing.T) {
	b := New(0, testEBLogger())
	defer b.Close()
	if cap(b.inbound) != 100 {
		t.Errorf("expected default buffer 100, got %d", cap(b.inbound))
	}
}

func TestFeedBus_Len(t *testing.T) {
	b := New(5, testEBLogger())
	defer b.Close()
	b.Publish(domain.InboundEvent{})
	b.Publish(domain.InboundEvent{})
	if b.Len() != 2 {
		t.Errorf("expected 2 queued events, got %d", b.Len())
	}
}
