package artwork

import (
	"sync"

	"github.com/gofrs/uuid"

	"github.com/bbfox0703/AchievoLab-sub003/pkg/item"
)

// Event announces one finished fetch for (ItemID, Locale). Presentation
// layers re-bind the displayed artifact on it. One event fires per
// distinct successful fetch: switching locales repeatedly observes one
// event per locale, never a coalesced one.
type Event struct {
	ItemID item.ID
	Locale item.Locale
}

const defaultSubscriberBuffer = 64

// Notifier is the completion-notification registry.
type Notifier struct {
	logger Logger

	mu   sync.Mutex
	subs map[string]chan Event
}

// NewNotifier constructs a Notifier.
func NewNotifier(logger Logger) *Notifier {
	if logger == nil {
		logger = defaultLogger()
	}
	return &Notifier{
		logger: logger,
		subs:   make(map[string]chan Event),
	}
}

// Subscribe registers an observer and returns its token and channel.
func (n *Notifier) Subscribe() (string, <-chan Event) {
	token := uuid.Must(uuid.NewV4()).String()
	ch := make(chan Event, defaultSubscriberBuffer)

	n.mu.Lock()
	n.subs[token] = ch
	n.mu.Unlock()

	return token, ch
}

// Unsubscribe removes an observer and closes its channel.
func (n *Notifier) Unsubscribe(token string) {
	n.mu.Lock()
	ch, ok := n.subs[token]
	if ok {
		delete(n.subs, token)
	}
	n.mu.Unlock()

	if ok {
		close(ch)
	}
}

// Publish delivers ev to every subscriber without blocking the fetcher;
// a subscriber whose buffer is full misses the event and is logged.
func (n *Notifier) Publish(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for token, ch := range n.subs {
		select {
		case ch <- ev:
		default:
			n.logger.Warnf("notifier: subscriber %s buffer full, dropping event for %d/%s", token, ev.ItemID, ev.Locale)
		}
	}
}
