package notifications

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventType discriminates the push events the hedge server delivers.
type EventType string

const (
	// EventMatched signals that the house matched a contract's deposit.
	EventMatched EventType = "MATCHED"

	// EventSettled signals that a contract settled without requiring a
	// user action.
	EventSettled EventType = "SETTLED"

	// EventActionRequired signals that a contract needs the user's
	// signature to proceed.
	EventActionRequired EventType = "ACTION_REQUIRED"
)

// Event is one push notification record.
type Event struct {
	// Type discriminates the payload fields below.
	Type EventType `json:"type"`

	// ContractID is the contract the event belongs to.
	ContractID int64 `json:"contract_id"`

	// Status is the contract status accompanying an action required
	// event.
	Status string `json:"status,omitempty"`

	// Result is the settlement result accompanying a settled event.
	Result string `json:"result,omitempty"`

	// TxID is the transaction id of a broadcast settlement or match.
	TxID string `json:"txid,omitempty"`

	// TxHex is the partially signed transaction awaiting the user's
	// signature.
	TxHex string `json:"tx_hex,omitempty"`

	// Message is a human readable description.
	Message string `json:"message,omitempty"`
}

// Config contains everything the notification manager needs to operate.
type Config struct {
	// WSURL is the server's websocket endpoint.
	WSURL string

	// Dialer dials the websocket connection. Defaults to the package
	// default dialer when nil.
	Dialer *websocket.Dialer
}

// Manager maintains the persistent push channel to the hedge server and
// fans incoming events out to subscribers.
type Manager struct {
	cfg *Config

	subscribers []subscriber
	sync.Mutex
}

type subscriber struct {
	subCtx   context.Context
	recvChan chan *Event
}

// NewManager creates a new notification manager.
func NewManager(cfg *Config) *Manager {
	return &Manager{
		cfg: cfg,
	}
}

// SubscribeEvents registers a subscriber for all push events. The returned
// channel is closed when the subscriber's context is canceled.
func (m *Manager) SubscribeEvents(ctx context.Context) <-chan *Event {
	notifChan := make(chan *Event, 1)
	sub := subscriber{
		subCtx:   ctx,
		recvChan: notifChan,
	}

	m.addSubscriber(sub)

	// Remove the subscriber when its context is canceled.
	go func() {
		<-ctx.Done()
		m.removeSubscriber(sub)
		close(notifChan)
	}()

	return notifChan
}

// Run starts the notification manager. It keeps the websocket connection
// alive with increasing reconnect delays until the context is canceled.
func (m *Manager) Run(ctx context.Context) error {
	// Connect immediately on the first attempt.
	waitTime := time.Duration(0)

	for {
		timer := time.NewTimer(waitTime)
		waitTime += time.Second

		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case <-timer.C:
		}

		connectedFunc := func() {
			// Reset the backoff after a successful connect.
			waitTime = time.Second
		}

		err := m.readEvents(ctx, connectedFunc)
		if err != nil && ctx.Err() == nil {
			log.Errorf("Event stream error: %v", err)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

// readEvents connects to the server's websocket endpoint and forwards every
// event it delivers until the connection breaks.
func (m *Manager) readEvents(ctx context.Context,
	connectedFunc func()) error {

	dialer := m.cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, _, err := dialer.DialContext(ctx, m.cfg.WSURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Unblock the read loop when the context is canceled.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	connectedFunc()
	log.Debugf("Connected to event stream at %v", m.cfg.WSURL)

	for {
		event := &Event{}
		if err := conn.ReadJSON(event); err != nil {
			return err
		}

		log.Debugf("Received %v event for contract %d", event.Type,
			event.ContractID)

		m.handleEvent(event)
	}
}

// handleEvent forwards an event to all current subscribers.
func (m *Manager) handleEvent(event *Event) {
	m.Lock()
	defer m.Unlock()

	for _, sub := range m.subscribers {
		select {
		case sub.recvChan <- event:

		case <-sub.subCtx.Done():
		}
	}
}

// addSubscriber adds a subscriber to the manager.
func (m *Manager) addSubscriber(sub subscriber) {
	m.Lock()
	defer m.Unlock()
	m.subscribers = append(m.subscribers, sub)
}

// removeSubscriber removes a subscriber from the manager.
func (m *Manager) removeSubscriber(sub subscriber) {
	m.Lock()
	defer m.Unlock()

	newSubs := make([]subscriber, 0, len(m.subscribers))
	for _, s := range m.subscribers {
		if s != sub {
			newSubs = append(newSubs, s)
		}
	}
	m.subscribers = newSubs
}
