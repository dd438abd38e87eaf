package bus

import (
	"testing"

	"github.com/nextlevelbuilder/deskwire/pkg/protocol"
)

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	b := New()
	var a, c int
	b.Subscribe("conn-a", func(Event) { a++ })
	b.Subscribe("conn-c", func(Event) { c++ })

	b.Broadcast(Event{Frame: protocol.NewFrame(protocol.FrameSystemNotification, nil)})
	if a != 1 || c != 1 {
		t.Fatalf("deliveries = %d, %d", a, c)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	var got int
	b.Subscribe("conn-a", func(Event) { got++ })
	b.Unsubscribe("conn-a")

	b.Broadcast(Event{})
	if got != 0 {
		t.Fatalf("deliveries after unsubscribe = %d", got)
	}
}

func TestResubscribeReplacesHandler(t *testing.T) {
	b := New()
	var first, second int
	b.Subscribe("conn-a", func(Event) { first++ })
	b.Subscribe("conn-a", func(Event) { second++ })

	b.Broadcast(Event{})
	if first != 0 || second != 1 {
		t.Fatalf("deliveries = %d, %d", first, second)
	}
}
