package broadcast

import (
	"sync"
	"sync/atomic"
)

// Hub is an in-process broadcast domain. Delivery is synchronous: when
// `Broadcast` returns, every subscriber of every other endpoint has run.
type Hub struct {
	lk        sync.RWMutex
	endpoints map[string]*HubEndpoint
}

func NewHub() *Hub {
	return &Hub{
		endpoints: make(map[string]*HubEndpoint),
	}
}

// Endpoint returns the endpoint bound to addr, creating it if needed.
func (h *Hub) Endpoint(addr string) *HubEndpoint {
	h.lk.Lock()
	defer h.lk.Unlock()
	if ep, has := h.endpoints[addr]; has {
		return ep
	}
	ep := &HubEndpoint{
		hub:    h,
		addr:   addr,
		router: newRouter(),
	}
	h.endpoints[addr] = ep
	return ep
}

func (h *Hub) others(addr string) []*HubEndpoint {
	h.lk.RLock()
	defer h.lk.RUnlock()
	eps := make([]*HubEndpoint, 0, len(h.endpoints))
	for other, ep := range h.endpoints {
		if other != addr {
			eps = append(eps, ep)
		}
	}
	return eps
}

type HubEndpoint struct {
	hub     *Hub
	addr    string
	router  *router
	counter atomic.Uint32
	closed  atomic.Bool
}

var _ Endpoint = (*HubEndpoint)(nil)

func (ep *HubEndpoint) Address() string {
	return ep.addr
}

func (ep *HubEndpoint) Broadcast(service, channel uint16, payload []byte) error {
	if ep.closed.Load() {
		return ErrClosed
	}
	counter := uint16(ep.counter.Add(1))
	for _, other := range ep.hub.others(ep.addr) {
		other.router.deliver(Message{
			From:    ep.addr,
			Service: service,
			Channel: channel,
			Counter: counter,
			Payload: append([]byte(nil), payload...),
			To:      other.addr,
		})
	}
	return nil
}

func (ep *HubEndpoint) Subscribe(service, channel uint16) Subscription {
	return ep.router.subscribe(service, channel)
}

// Close detaches the endpoint from its hub.
func (ep *HubEndpoint) Close() error {
	if ep.closed.Swap(true) {
		return nil
	}
	ep.hub.lk.Lock()
	if ep.hub.endpoints[ep.addr] == ep {
		delete(ep.hub.endpoints, ep.addr)
	}
	ep.hub.lk.Unlock()
	return nil
}
