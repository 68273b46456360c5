package chat_test

import (
	"testing"
	"time"

	"github.com/omochice/event-socket-chat/internal/chat"
)

func newClient(id, phone string, at time.Time) *chat.Client {
	return &chat.Client{
		ID:          id,
		Username:    "user-" + id,
		Phone:       phone,
		Conn:        fakeConn{addr: "127.0.0.1:1234"},
		Outgoing:    make(chan []byte, 10),
		ConnectedAt: at,
	}
}

func TestHub_Register(t *testing.T) {
	hub := chat.NewHub()

	existing := hub.Register(newClient("a", "+15550001", time.Now()))

	if len(existing) != 0 {
		t.Errorf("Register() returned %d existing sessions, want 0", len(existing))
	}
	if got := hub.ClientCount(); got != 1 {
		t.Errorf("ClientCount() = %d, want 1", got)
	}
}

func TestHub_Register_SamePhoneReturnsOlderSessions(t *testing.T) {
	hub := chat.NewHub()
	base := time.Now()

	hub.Register(newClient("b", "+15550001", base.Add(time.Second)))
	hub.Register(newClient("a", "+15550001", base))
	hub.Register(newClient("x", "+15550009", base))

	existing := hub.Register(newClient("c", "+15550001", base.Add(2*time.Second)))

	if len(existing) != 2 {
		t.Fatalf("Register() returned %d existing sessions, want 2", len(existing))
	}
	if existing[0].ID != "a" || existing[1].ID != "b" {
		t.Errorf("existing sessions = [%s %s], want [a b]", existing[0].ID, existing[1].ID)
	}
	if got := len(hub.Room("+15550001")); got != 3 {
		t.Errorf("Room() size = %d, want 3", got)
	}
}

func TestHub_Unregister(t *testing.T) {
	hub := chat.NewHub()
	c := newClient("a", "+15550001", time.Now())
	hub.Register(c)

	hub.Unregister(c)

	if got := hub.ClientCount(); got != 0 {
		t.Errorf("ClientCount() = %d, want 0", got)
	}
	if got := hub.Room("+15550001"); len(got) != 0 {
		t.Errorf("Room() = %v, want empty", got)
	}
	if _, ok := hub.Client("a"); ok {
		t.Error("Client() found unregistered session")
	}
}

func TestHub_Deliver(t *testing.T) {
	hub := chat.NewHub()
	now := time.Now()
	a := newClient("a", "+15550001", now)
	b := newClient("b", "+15550002", now)
	c := newClient("c", "+15550002", now)
	hub.Register(a)
	hub.Register(b)
	hub.Register(c)

	if got := hub.Deliver("", []byte("all")); got != 3 {
		t.Errorf("Deliver(all) = %d, want 3", got)
	}
	if got := hub.Deliver("+15550002", []byte("room")); got != 2 {
		t.Errorf("Deliver(room) = %d, want 2", got)
	}
	if got := hub.Deliver("", []byte("others"), "a"); got != 2 {
		t.Errorf("Deliver(except) = %d, want 2", got)
	}

	if got := len(a.Outgoing); got != 1 {
		t.Errorf("a queued %d frames, want 1", got)
	}
	if got := len(b.Outgoing); got != 3 {
		t.Errorf("b queued %d frames, want 3", got)
	}
}

func TestHub_Deliver_SkipsFullQueue(t *testing.T) {
	hub := chat.NewHub()
	c := newClient("a", "+15550001", time.Now())
	c.Outgoing = make(chan []byte, 1)
	hub.Register(c)

	hub.Deliver("", []byte("one"))
	if got := hub.Deliver("", []byte("two")); got != 0 {
		t.Errorf("Deliver() to full queue = %d, want 0", got)
	}
}

func TestHub_DeliverTo(t *testing.T) {
	hub := chat.NewHub()
	c := newClient("a", "+15550001", time.Now())
	hub.Register(c)

	if !hub.DeliverTo("a", []byte("2")) {
		t.Error("DeliverTo() = false for registered session")
	}
	if hub.DeliverTo("missing", []byte("2")) {
		t.Error("DeliverTo() = true for unknown session")
	}

	hub.Unregister(c)
	if hub.DeliverTo("a", []byte("2")) {
		t.Error("DeliverTo() = true after unregister")
	}
}
