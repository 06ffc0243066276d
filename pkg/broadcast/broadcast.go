// Package broadcast is the publish/subscribe channel used to gossip
// messages to every peer of a cluster.
//
// Delivery is at-most-once with no ordering across senders. A sender
// never receives its own messages.
package broadcast

import (
	"errors"
	"sync"
)

var (
	ErrInvalidCfg       = errors.New("broadcast: invalid options")
	ErrClosed           = errors.New("broadcast: endpoint closed")
	ErrTooLarge         = errors.New("broadcast: message is too large")
	ErrJoinCluster      = errors.New("broadcast: could not join cluster")
	ErrMalformedMessage = errors.New("broadcast: malformed envelope")
)

// Message is what subscribers receive.
type Message struct {
	// From is the address of the sender.
	From    string
	Service uint16
	Channel uint16
	// Counter is incremented by the sender on every broadcast, it wraps.
	Counter uint16
	Payload []byte
	// To is the address of the local endpoint.
	To string
}

// Handler is invoked once per received message. It runs on the delivery
// path of the endpoint and should not block.
type Handler func(msg Message)

// Endpoint is the local attachment to a broadcast channel.
type Endpoint interface {
	Address() string
	Broadcast(service, channel uint16, payload []byte) error
	Subscribe(service, channel uint16) Subscription
}

// Subscription delivers messages of one (service, channel) pair. Messages
// received before a handler is set are discarded.
type Subscription interface {
	SetMessageHandler(Handler)
	Close() error
}

type subKey struct {
	service uint16
	channel uint16
}

// router fans messages out to local subscriptions.
type router struct {
	lk   sync.RWMutex
	subs map[subKey][]*subscription
}

func newRouter() *router {
	return &router{
		subs: make(map[subKey][]*subscription),
	}
}

func (r *router) subscribe(service, channel uint16) *subscription {
	sub := &subscription{
		router: r,
		key:    subKey{service: service, channel: channel},
	}
	r.lk.Lock()
	r.subs[sub.key] = append(r.subs[sub.key], sub)
	r.lk.Unlock()
	return sub
}

func (r *router) unsubscribe(sub *subscription) {
	r.lk.Lock()
	defer r.lk.Unlock()
	subs := r.subs[sub.key]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(r.subs, sub.key)
	} else {
		r.subs[sub.key] = subs
	}
}

// deliver returns how many handlers were invoked.
func (r *router) deliver(msg Message) int {
	r.lk.RLock()
	subs := r.subs[subKey{service: msg.Service, channel: msg.Channel}]
	r.lk.RUnlock()

	delivered := 0
	for _, sub := range subs {
		if handler := sub.handler(); handler != nil {
			handler(msg)
			delivered++
		}
	}
	return delivered
}

type subscription struct {
	router *router
	key    subKey

	lk     sync.RWMutex
	fn     Handler
	closed bool
}

func (sub *subscription) SetMessageHandler(handler Handler) {
	sub.lk.Lock()
	defer sub.lk.Unlock()
	if !sub.closed {
		sub.fn = handler
	}
}

func (sub *subscription) handler() Handler {
	sub.lk.RLock()
	defer sub.lk.RUnlock()
	return sub.fn
}

func (sub *subscription) Close() error {
	sub.lk.Lock()
	if sub.closed {
		sub.lk.Unlock()
		return nil
	}
	sub.closed = true
	sub.fn = nil
	sub.lk.Unlock()

	sub.router.unsubscribe(sub)
	return nil
}
