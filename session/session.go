package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashhedge/hedge/hedgedb"
	"github.com/hashhedge/hedge/notifications"
)

var (
	// ErrEventRejected is returned when the session cannot process an
	// event in the state that it is in.
	ErrEventRejected = errors.New("event rejected")

	// ErrNoContract is returned when an operation needs a tracked
	// contract and there is none.
	ErrNoContract = errors.New("no contract tracked")
)

// EventType represents a transition trigger of the session state machine.
// Triggers come from two sources: explicit server responses to client
// commands, and asynchronously delivered push events.
type EventType string

const (
	// OnDepositBroadcast fires when the user's deposit was handed to the
	// signing agent and broadcast.
	OnDepositBroadcast = EventType("OnDepositBroadcast")

	// OnMatched fires when the house collateral arrived.
	OnMatched = EventType("OnMatched")

	// OnActionRequired fires when a partially signed transaction awaits
	// the user's signature.
	OnActionRequired = EventType("OnActionRequired")

	// OnRefundRequired fires when a house-signed refund awaits the
	// user's signature.
	OnRefundRequired = EventType("OnRefundRequired")

	// OnClaimBroadcast fires when the user's own claim transaction was
	// broadcast successfully.
	OnClaimBroadcast = EventType("OnClaimBroadcast")

	// OnSettledLoss fires when the contract settled for the house.
	OnSettledLoss = EventType("OnSettledLoss")

	// OnCancelled fires when the contract is abandoned before the
	// deposit completed.
	OnCancelled = EventType("OnCancelled")
)

// Transitions maps transition triggers to their destination status.
type Transitions map[EventType]hedgedb.Status

// States maps every status to the transitions it allows.
type States map[hedgedb.Status]Transitions

// Observer is notified of every applied state transition.
type Observer interface {
	// StateChanged is called after the session moved between states.
	StateChanged(contractID int64, previous, next hedgedb.Status)
}

// ContractStates returns the transition table of a contract session.
//
//	CREATED -> PENDING -> MATCHED -> WAITING_USER_SIG -> SETTLED_WIN
//	                            \-> WAITING_USER_SIG_REFUND -> SETTLED_WIN
//	                            \-> SETTLED_LOSS
//	CREATED -> CANCELLED
//
// Settlement triggers are also accepted straight from PENDING since the
// oracle settles on its own clock and the match event may be lost.
func ContractStates() States {
	return States{
		hedgedb.StatusCreated: {
			OnDepositBroadcast: hedgedb.StatusPendingMatch,
			OnCancelled:        hedgedb.StatusCancelled,
		},
		hedgedb.StatusPendingMatch: {
			OnMatched:        hedgedb.StatusMatched,
			OnActionRequired: hedgedb.StatusWaitingUserSig,
			OnRefundRequired: hedgedb.StatusWaitingUserSigRefund,
			OnSettledLoss:    hedgedb.StatusSettledLoss,
		},
		hedgedb.StatusMatched: {
			OnActionRequired: hedgedb.StatusWaitingUserSig,
			OnRefundRequired: hedgedb.StatusWaitingUserSigRefund,
			OnSettledLoss:    hedgedb.StatusSettledLoss,
		},
		hedgedb.StatusWaitingUserSig: {
			OnClaimBroadcast: hedgedb.StatusSettledWin,
			OnSettledLoss:    hedgedb.StatusSettledLoss,
		},
		hedgedb.StatusWaitingUserSigRefund: {
			OnClaimBroadcast: hedgedb.StatusSettledWin,
		},
		hedgedb.StatusSettledWin:  {},
		hedgedb.StatusSettledLoss: {},
		hedgedb.StatusCancelled:   {},
	}
}

// Session tracks one contract's lifecycle client-side. Transitions are only
// ever applied from a single place: the caller's own turn via SendEvent, or
// the run loop consuming queued push events.
type Session struct {
	states States

	contract *hedgedb.Contract

	observers []Observer

	// now is the session clock, replaceable in tests.
	now func() time.Time

	// mutex ensures that only one event is processed at any given time.
	mutex sync.Mutex
}

// NewSession creates a session tracking the given contract.
func NewSession(contract *hedgedb.Contract) *Session {
	return &Session{
		states:   ContractStates(),
		contract: contract,
		now:      time.Now,
	}
}

// RegisterObserver registers an observer with the session.
func (s *Session) RegisterObserver(observer Observer) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if observer != nil {
		s.observers = append(s.observers, observer)
	}
}

// Contract returns a snapshot of the tracked contract.
func (s *Session) Contract() hedgedb.Contract {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return *s.contract
}

// Current returns the tracked contract's status.
func (s *Session) Current() hedgedb.Status {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.contract.Status
}

// RequiredAction returns the pending transaction and reason when the
// session waits for the user's signature.
func (s *Session) RequiredAction() (string, string, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.contract.Status.ActionRequired() {
		return "", "", false
	}

	reason := "claim requires your signature"
	if s.contract.Status == hedgedb.StatusWaitingUserSigRefund {
		reason = "refund requires your signature"
	}

	return s.contract.PendingTxHex, reason, true
}

// SendEvent applies a transition trigger to the session. Duplicate delivery
// of a trigger that already fired is idempotent. A trigger that is neither a
// duplicate nor allowed in the current state returns ErrEventRejected.
func (s *Session) SendEvent(event EventType, txHex, note string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.apply(event, txHex, note)
}

// Run consumes push events until the context is canceled, applying them
// from this single goroutine.
func (s *Session) Run(ctx context.Context,
	events <-chan *notifications.Event) {

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-events:
			if !ok {
				return
			}

			s.ProcessEvent(event)
		}
	}
}

// ProcessEvent maps a push event onto a session transition. Events for
// other contract ids are logged and never mutate the tracked contract.
func (s *Session) ProcessEvent(event *notifications.Event) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.contract == nil || event.ContractID != s.contract.ID {
		log.Debugf("Ignoring %v event for untracked contract %d",
			event.Type, event.ContractID)
		return
	}

	trigger, txHex, note, ok := mapEvent(event)
	if !ok {
		log.Warnf("Unknown event type %v for contract %d", event.Type,
			event.ContractID)
		return
	}

	if err := s.apply(trigger, txHex, note); err != nil {
		log.Warnf("Contract %d: %v event in state %v: %v",
			s.contract.ID, event.Type, s.contract.Status, err)
	}
}

// mapEvent translates a push event record into a transition trigger.
func mapEvent(event *notifications.Event) (EventType, string, string, bool) {
	switch event.Type {
	case notifications.EventMatched:
		return OnMatched, "", event.Message, true

	case notifications.EventActionRequired:
		trigger := OnActionRequired
		if event.Status ==
			string(hedgedb.StatusWaitingUserSigRefund) {

			trigger = OnRefundRequired
		}

		return trigger, event.TxHex, event.Message, true

	case notifications.EventSettled:
		// A settled event for the winning side still requires the
		// user signature flow, so only a loss is terminal here.
		if event.Result == string(hedgedb.StatusSettledLoss) {
			return OnSettledLoss, "", event.Message, true
		}

		return OnActionRequired, event.TxHex, event.Message, true

	default:
		return "", "", "", false
	}
}

// apply performs a single transition. Callers must hold the mutex.
func (s *Session) apply(event EventType, txHex, note string) error {
	if s.contract == nil {
		return ErrNoContract
	}

	transitions, ok := s.states[s.contract.Status]
	if !ok {
		return fmt.Errorf("%w: unknown state %v", ErrEventRejected,
			s.contract.Status)
	}

	next, ok := transitions[event]
	if !ok {
		// Idempotency: re-delivery of the trigger that produced the
		// current state is a no-op, not an error.
		if s.isDuplicate(event) {
			log.Debugf("Contract %d: duplicate %v event in "+
				"state %v", s.contract.ID, event,
				s.contract.Status)
			return nil
		}

		return fmt.Errorf("%w: %v in state %v", ErrEventRejected,
			event, s.contract.Status)
	}

	previous := s.contract.Status
	s.contract.Status = next
	if txHex != "" {
		s.contract.PendingTxHex = txHex
	}
	if !next.ActionRequired() {
		s.contract.PendingTxHex = ""
	}

	text := fmt.Sprintf("%v -> %v", previous, next)
	if note != "" {
		text = fmt.Sprintf("%s: %s", text, note)
	}
	s.contract.LogEvent(s.now(), text)

	log.Infof("Contract %d: %v", s.contract.ID, text)

	for _, observer := range s.observers {
		observer.StateChanged(s.contract.ID, previous, next)
	}

	return nil
}

// isDuplicate reports whether the trigger would lead to the state the
// session is already in, had it arrived in the preceding state.
func (s *Session) isDuplicate(event EventType) bool {
	for _, transitions := range s.states {
		if next, ok := transitions[event]; ok &&
			next == s.contract.Status {

			return true
		}
	}

	return false
}
