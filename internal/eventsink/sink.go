// Package eventsink replaces the signal/slot fan-out pattern with a typed
// channel event bus: each session owns its inbox, publishers never know who
// (if anyone) is listening.
package eventsink

// Kind enumerates the event categories a UI or background layer might care
// about.
type Kind string

const (
	KindWalletAddressChanged Kind = "wallet_address_changed"
	KindSessionFinished      Kind = "session_finished"
	KindTransferSubmitted    Kind = "transfer_submitted"
	KindTransferFinished     Kind = "transfer_finished"
	KindSessionStopped       Kind = "session_stopped"
)

// Event is one notification, carrying the subject ID (session, transfer or
// wallet name) and a free-form payload appropriate to Kind.
type Event struct {
	Kind    Kind
	Subject string
	Payload any
}

// Sink is a fan-out publisher: Subscribe returns a private channel that
// receives every event published after the call. Slow or absent
// subscribers never block Publish — events are dropped for a subscriber
// whose channel is full rather than stalling the publishing session.
type Sink struct {
	subs chan chan Event
	pub  chan Event
	add  chan chan Event
	done chan struct{}
}

// New starts a Sink's dispatch loop.
func New() *Sink {
	s := &Sink{
		pub:  make(chan Event, 64),
		add:  make(chan chan Event),
		done: make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Sink) loop() {
	var subscribers []chan Event
	for {
		select {
		case ch := <-s.add:
			subscribers = append(subscribers, ch)
		case ev := <-s.pub:
			for _, ch := range subscribers {
				select {
				case ch <- ev:
				default:
				}
			}
		case <-s.done:
			for _, ch := range subscribers {
				close(ch)
			}
			return
		}
	}
}

// Subscribe returns a channel fed with every future event.
func (s *Sink) Subscribe() <-chan Event {
	ch := make(chan Event, 32)
	s.add <- ch
	return ch
}

// Publish sends an event to every current subscriber, non-blocking.
func (s *Sink) Publish(ev Event) {
	select {
	case s.pub <- ev:
	case <-s.done:
	}
}

// Close stops the dispatch loop and closes every subscriber channel.
func (s *Sink) Close() {
	close(s.done)
}
