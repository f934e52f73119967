package relay

import (
	"context"
	"testing"
	"time"

	"github.com/mostro-exchange/mostrod/internal/envelope"
	"github.com/mostro-exchange/mostrod/internal/identity"
)

func TestLoopbackDeliversToSubscriber(t *testing.T) {
	ctx := context.Background()
	l := NewLoopback()

	sub, err := l.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	key, err := identity.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	outer := envelope.OuterEvent{Kind: envelope.KindGiftWrap, Pubkey: key.PublicKey(), CreatedAt: time.Now().UTC()}

	if err := l.Publish(ctx, outer); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-sub.Events():
		if got.Pubkey != outer.Pubkey {
			t.Fatalf("got pubkey %x, want %x", got.Pubkey, outer.Pubkey)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestLoopbackFansOutToEverySubscriber(t *testing.T) {
	ctx := context.Background()
	l := NewLoopback()

	subA, err := l.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe A: %v", err)
	}
	defer subA.Close()
	subB, err := l.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe B: %v", err)
	}
	defer subB.Close()

	if err := l.Publish(ctx, envelope.OuterEvent{Kind: envelope.KindGiftWrap}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for name, sub := range map[string]Subscription{"A": subA, "B": subB} {
		select {
		case <-sub.Events():
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s never received event", name)
		}
	}
}

func TestLoopbackCloseStopsDelivery(t *testing.T) {
	ctx := context.Background()
	l := NewLoopback()

	sub, err := l.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := l.Publish(ctx, envelope.OuterEvent{Kind: envelope.KindGiftWrap}); err != nil {
		t.Fatalf("Publish after close: %v", err)
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected closed channel to yield no further events")
	}
}
