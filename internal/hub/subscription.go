package hub

import "sync"

type deliveryResult int

const (
	deliverOK deliveryResult = iota
	deliverFull
	deliverClosed
)

// Subscription is one registered viewer. The transport layer drains C
// until it is closed.
type Subscription struct {
	clientID string
	ch       chan Notification

	mu     sync.Mutex
	filter *int64
	closed bool
}

func newSubscription(clientID string, filter *int64, size int) *Subscription {
	s := &Subscription{
		clientID: clientID,
		ch:       make(chan Notification, size),
	}
	s.SetFilter(filter)
	return s
}

// ClientID returns the viewer's id.
func (s *Subscription) ClientID() string {
	return s.clientID
}

// C returns the notification channel. It is closed when the viewer is
// removed from the hub.
func (s *Subscription) C() <-chan Notification {
	return s.ch
}

// Filter returns the device filter, or false for all devices.
func (s *Subscription) Filter() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.filter == nil {
		return 0, false
	}
	return *s.filter, true
}

// SetFilter changes the device filter. nil selects all devices.
func (s *Subscription) SetFilter(filter *int64) {
	var f *int64
	if filter != nil {
		v := *filter
		f = &v
	}
	s.mu.Lock()
	s.filter = f
	s.mu.Unlock()
}

// Matches reports whether an event for deviceID passes the filter.
func (s *Subscription) Matches(deviceID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter == nil || *s.filter == deviceID
}

// Closed reports whether the subscription has been removed.
func (s *Subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// offer attempts a non-blocking send. The lock makes send and close
// mutually exclusive.
func (s *Subscription) offer(n Notification) deliveryResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return deliverClosed
	}
	select {
	case s.ch <- n:
		return deliverOK
	default:
		return deliverFull
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
