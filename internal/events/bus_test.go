package events

import (
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus, err := NewEmbedded(0)
	if err != nil {
		t.Fatalf("NewEmbedded: %v", err)
	}
	defer bus.Close()

	progress := make(chan ProgressEvent, 4)
	sub, err := bus.SubscribeProgress(func(ev ProgressEvent) { progress <- ev })
	if err != nil {
		t.Fatalf("SubscribeProgress: %v", err)
	}
	defer sub.Drain()

	segments := make(chan SegmentEvent, 4)
	segSub, err := bus.SubscribeSegments(func(ev SegmentEvent) { segments <- ev })
	if err != nil {
		t.Fatalf("SubscribeSegments: %v", err)
	}
	defer segSub.Drain()

	bus.PublishProgress(ProgressEvent{RequestID: "r1", ChunkIndex: 0, ChunkCount: 3, CurrentMS: 10000, TotalMS: 30000, SpeedFactor: 0.4})
	bus.PublishSegment(SegmentEvent{RequestID: "r1", ChunkIndex: 0, Text: "hello", Confidence: 0.9})

	select {
	case ev := <-progress:
		if ev.RequestID != "r1" || ev.ChunkCount != 3 || ev.SpeedFactor != 0.4 {
			t.Errorf("unexpected progress event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no progress event delivered")
	}

	select {
	case ev := <-segments:
		if ev.Text != "hello" || ev.Confidence != 0.9 {
			t.Errorf("unexpected segment event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no segment event delivered")
	}
}
