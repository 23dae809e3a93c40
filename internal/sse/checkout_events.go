package sse

import (
	"context"
	"sync"

	"ms-checkout/internal/models"
)

const clientBuffer = 10

type Publisher interface {
	PublishOrderEvent(ctx context.Context, event models.OrderEvent) error
}

// CheckoutEventEmitter fans order lifecycle events out to SSE clients
// watching a single order, then hands them to the next publisher.
type CheckoutEventEmitter struct {
	next Publisher

	// key: orderID, value: client channels
	clients map[string][]chan models.OrderEvent
	mu      sync.RWMutex
}

// NewCheckoutEventEmitter wraps next, which may be nil.
func NewCheckoutEventEmitter(next Publisher) *CheckoutEventEmitter {
	return &CheckoutEventEmitter{
		next:    next,
		clients: make(map[string][]chan models.OrderEvent),
	}
}

// SubscribeToOrder adds a client to the order's events. The channel is
// closed once ctx is done.
func (e *CheckoutEventEmitter) SubscribeToOrder(ctx context.Context, orderID string) <-chan models.OrderEvent {
	clientChan := make(chan models.OrderEvent, clientBuffer)

	e.mu.Lock()
	e.clients[orderID] = append(e.clients[orderID], clientChan)
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.removeClient(orderID, clientChan)
	}()

	return clientChan
}

// PublishOrderEvent broadcasts to the order's subscribers and forwards the
// event to the next publisher.
func (e *CheckoutEventEmitter) PublishOrderEvent(ctx context.Context, event models.OrderEvent) error {
	e.mu.RLock()
	for _, clientChan := range e.clients[event.OrderID] {
		// slow clients miss events rather than block the checkout path
		select {
		case clientChan <- event:
		default:
		}
	}
	e.mu.RUnlock()

	if e.next == nil {
		return nil
	}
	return e.next.PublishOrderEvent(ctx, event)
}

func (e *CheckoutEventEmitter) removeClient(orderID string, clientChan chan models.OrderEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	clients := e.clients[orderID]
	for i, ch := range clients {
		if ch == clientChan {
			e.clients[orderID] = append(clients[:i], clients[i+1:]...)
			close(clientChan)
			break
		}
	}

	if len(e.clients[orderID]) == 0 {
		delete(e.clients, orderID)
	}
}

// ClientCount returns the number of clients currently watching an order
func (e *CheckoutEventEmitter) ClientCount(orderID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.clients[orderID])
}
