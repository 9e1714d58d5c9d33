package settlement

import (
	"errors"
	"fmt"
	"slices"

	"github.com/diewo77/go-settle/internal/gateway"
	"github.com/diewo77/go-settle/internal/models"
)

// State is the lifecycle stage of one settlement attempt.
type State string

const (
	StateInitiated  State = "initiated"
	StateAuthorized State = "authorized"
	StateCaptured   State = "captured"
	StateReconciled State = "reconciled"
	StateFailed     State = "failed"
)

// ErrInvalidTransition is returned when an attempt is moved out of order.
var ErrInvalidTransition = errors.New("invalid_attempt_transition")

var transitions = map[State][]State{
	StateInitiated:  {StateAuthorized, StateCaptured, StateFailed},
	StateAuthorized: {StateCaptured, StateFailed},
	StateCaptured:   {StateReconciled, StateFailed},
}

// Attempt is the in-memory context of one settlement: the hash being
// consumed, the gateway and driver charging it, and the client paying.
// It is created per call and never shared between goroutines.
type Attempt struct {
	Tenant     string
	Hash       *models.PaymentHash
	Client     *models.Client
	Gateway    *models.CompanyGateway
	Driver     gateway.Driver
	Caps       gateway.Capabilities
	Invitation *models.Invitation

	// IncludeFee is set once the charged amount is known to cover the fee.
	IncludeFee bool

	state   State
	history []State
}

func newAttempt(tenantKey string) *Attempt {
	return &Attempt{Tenant: tenantKey, state: StateInitiated, history: []State{StateInitiated}}
}

// State returns the current state.
func (a *Attempt) State() State { return a.state }

// History returns every state the attempt has been in, oldest first.
func (a *Attempt) History() []State { return slices.Clone(a.history) }

func (a *Attempt) transition(to State) error {
	if !slices.Contains(transitions[a.state], to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.state, to)
	}
	a.state = to
	a.history = append(a.history, to)
	return nil
}

// contactID picks the contact a payment is attributed to: the invitation's
// contact, else the signed-in portal contact when it belongs to the client.
func (a *Attempt) contactID(sessionContact *models.ClientContact) *uint {
	if a.Invitation != nil {
		id := a.Invitation.ClientContactID
		return &id
	}
	if sessionContact != nil && sessionContact.ClientID == a.Client.ID {
		id := sessionContact.ID
		return &id
	}
	return nil
}
