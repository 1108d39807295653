// Package notify delivers session lifecycle events to notification clients.
//
// The manager calls listeners synchronously, so the Notifier does nothing on
// that path except hand the event to a bus topic; each client then reads at
// its own pace from its own buffer.
package notify

import (
	"go.uber.org/zap"

	"cc_session_hub/internal/bus"
	"cc_session_hub/internal/session"
)

// Notifier is the single lifecycle consumer that fans out to clients.
type Notifier struct {
	topic *bus.Topic[session.LifecycleEvent]
	log   *zap.Logger
}

// Options configures a Notifier.
type Options struct {
	Buffer   int
	Observer bus.Observer
	Logger   *zap.Logger
}

// New returns a Notifier with no clients.
func New(opts Options) *Notifier {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Notifier{
		// a client that falls behind is cut off and expected to re-list
		topic: bus.NewTopic(bus.Options[session.LifecycleEvent]{
			Name:     "lifecycle",
			Buffer:   opts.Buffer,
			Policy:   bus.Disconnect,
			Observer: opts.Observer,
		}),
		log: opts.Logger.Named("notify"),
	}
}

// Attach registers the notifier as a lifecycle listener of m.
func (n *Notifier) Attach(m *session.Manager) {
	m.OnLifecycle(n.Publish)
}

// Publish forwards one lifecycle event to every client.
func (n *Notifier) Publish(ev session.LifecycleEvent) {
	n.log.Debug("lifecycle", zap.String("session", ev.SessionID), zap.String("type", string(ev.Type)))
	n.topic.Publish(ev)
}

// Subscribe adds a client.
func (n *Notifier) Subscribe() *bus.Subscription[session.LifecycleEvent] {
	return n.topic.Subscribe()
}

// Clients returns the number of connected clients.
func (n *Notifier) Clients() int { return n.topic.Len() }

// Close disconnects every client.
func (n *Notifier) Close() { n.topic.Close() }
