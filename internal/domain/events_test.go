package domain

import (
	"testing"

	"github.com/google/uuid"
)

func TestEventDispatcher_PublishInOrder(t *testing.T) {
	d := NewEventDispatcher()
	var got []string

	d.Subscribe(func(e AuthEvent) { got = append(got, "first:"+string(e.Type)) })
	d.Subscribe(func(e AuthEvent) { got = append(got, "second:"+string(e.Type)) })

	d.Publish(NewAuthEvent(EventSignedIn, &User{ID: "u1"}))

	want := []string{"first:signed_in", "second:signed_in"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestEventDispatcher_Unsubscribe(t *testing.T) {
	d := NewEventDispatcher()
	calls := 0
	id := d.Subscribe(func(AuthEvent) { calls++ })

	d.Unsubscribe(id)
	d.Unsubscribe(id)
	d.Publish(NewAuthEvent(EventSignedOut, nil))

	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
}

func TestEventDispatcher_UnsubscribeFromHandler(t *testing.T) {
	d := NewEventDispatcher()
	calls := 0
	var id uuid.UUID
	id = d.Subscribe(func(AuthEvent) {
		calls++
		d.Unsubscribe(id)
	})

	d.Publish(NewAuthEvent(EventSignedIn, nil))
	d.Publish(NewAuthEvent(EventSignedIn, nil))

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
