package rating

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mostro-exchange/mostrod/internal/identity"
	"github.com/mostro-exchange/mostrod/internal/store"
)

func TestEnqueueRejectsDuplicate(t *testing.T) {
	s := store.NewMemory()
	a := NewAggregator(s, DefaultConfig(), nil)
	priv, _ := identity.GeneratePrivateKey()
	rater := priv.PublicKey()
	priv2, _ := identity.GeneratePrivateKey()
	rated := priv2.PublicKey()
	orderID := uuid.New()

	if err := a.Enqueue(Update{OrderID: orderID, Rater: rater, Rated: rated, Rating: 5}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := a.Enqueue(Update{OrderID: orderID, Rater: rater, Rated: rated, Rating: 4}); err != ErrAlreadyRated {
		t.Fatalf("second Enqueue error = %v, want ErrAlreadyRated", err)
	}
}

func TestEnqueueRejectsOutOfRange(t *testing.T) {
	s := store.NewMemory()
	a := NewAggregator(s, DefaultConfig(), nil)
	priv, _ := identity.GeneratePrivateKey()
	priv2, _ := identity.GeneratePrivateKey()
	if err := a.Enqueue(Update{OrderID: uuid.New(), Rater: priv.PublicKey(), Rated: priv2.PublicKey(), Rating: 6}); err == nil {
		t.Fatalf("expected error for out-of-range rating")
	}
}

func TestDrainAppliesToStore(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	a := NewAggregator(s, DefaultConfig(), nil)
	priv, _ := identity.GeneratePrivateKey()
	rater := priv.PublicKey()
	priv2, _ := identity.GeneratePrivateKey()
	rated := priv2.PublicKey()

	if err := a.Enqueue(Update{OrderID: uuid.New(), Rater: rater, Rated: rated, Rating: 5}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := a.Enqueue(Update{OrderID: uuid.New(), Rater: rater, Rated: rated, Rating: 3}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	a.Drain(ctx)

	user, err := s.GetUser(ctx, rated)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if user.RatingCount != 2 || user.RatingSum != 8 {
		t.Fatalf("user = %+v, want sum=8 count=2", user)
	}
	if got, want := user.AverageRating(), 4.0; got != want {
		t.Fatalf("AverageRating = %v, want %v", got, want)
	}
}

func TestStartStopDoesNotPanic(t *testing.T) {
	s := store.NewMemory()
	a := NewAggregator(s, Config{DrainInterval: 10 * time.Millisecond}, nil)
	a.Start()
	time.Sleep(25 * time.Millisecond)
	a.Stop()
}
