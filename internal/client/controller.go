package client

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/qmuntal/stateless"

	"github.com/dudenrb/think41nikhil/internal/api"
	"github.com/dudenrb/think41nikhil/internal/history"
	"github.com/dudenrb/think41nikhil/internal/logger"
)

// Controller states
type State stateless.State

var (
	StateIdle          State = "Idle"
	StateAwaitingReply State = "AwaitingReply"
	StateError         State = "Error"
)

// Controller triggers
type Trigger stateless.Trigger

var (
	TriggerSubmit        Trigger = "Submit"
	TriggerReplyReceived Trigger = "ReplyReceived"
	TriggerRequestFailed Trigger = "RequestFailed"
	TriggerRecovered     Trigger = "Recovered"
)

var (
	// ErrBusy is returned while a reply is pending.
	ErrBusy = errors.New("a reply is still pending")
	// ErrEmptyMessage is returned for blank submissions.
	ErrEmptyMessage = errors.New("message is empty")
)

const (
	upstreamErrorText = "I'm sorry, I couldn't process your request at this moment. Please try again."
	genericErrorText  = "Something went wrong while sending your message. Please try again."
	loadErrorText     = "I couldn't open that conversation. Please try again."
)

// API is the part of the conversation API the controller needs.
type API interface {
	Chat(ctx context.Context, req api.ChatRequest) (*api.ChatResponse, error)
	ListConversations(ctx context.Context, userID string) ([]history.Summary, error)
	GetConversation(ctx context.Context, sessionID string) (*history.Session, error)
}

// Snapshot is an immutable view of the controller.
type Snapshot struct {
	State     State
	UserID    string
	SessionID string
	Messages  []history.Message
	CanSubmit bool
}

// Controller holds the active conversation of one user. Submissions are
// shown immediately and replaced by the server's copy once it answers.
type Controller struct {
	api    API
	userID string

	mu        sync.Mutex
	fsm       *stateless.StateMachine
	sessionID string
	messages  []history.Message
	onChange  func(Snapshot)
}

// NewController creates an idle controller with no active session.
func NewController(a API, userID string) *Controller {
	c := &Controller{api: a, userID: userID}

	c.fsm = stateless.NewStateMachine(StateIdle)
	c.fsm.Configure(StateIdle).
		Permit(TriggerSubmit, StateAwaitingReply)

	c.fsm.Configure(StateAwaitingReply).
		Permit(TriggerReplyReceived, StateIdle).
		Permit(TriggerRequestFailed, StateError)

	// The error message lives only in the local transcript.
	c.fsm.Configure(StateError).
		OnEntryFrom(TriggerRequestFailed, func(_ context.Context, args ...any) error {
			text := genericErrorText
			if len(args) > 0 {
				if msg, ok := args[0].(string); ok {
					text = msg
				}
			}
			c.messages = append(c.messages, history.NewMessage(history.RoleAssistant, text))
			return nil
		}).
		Permit(TriggerRecovered, StateIdle)

	return c
}

// OnChange registers fn to receive a snapshot after every change. fn runs on
// the goroutine that made the change, without any controller lock held.
func (c *Controller) OnChange(fn func(Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	st := c.fsm.MustState().(State)
	return Snapshot{
		State:     st,
		UserID:    c.userID,
		SessionID: c.sessionID,
		Messages:  append([]history.Message{}, c.messages...),
		CanSubmit: st == StateIdle,
	}
}

// notify publishes snaps in order.
func (c *Controller) notify(fn func(Snapshot), snaps ...Snapshot) {
	if fn == nil {
		return
	}
	for _, s := range snaps {
		fn(s)
	}
}

// Submit sends text in the active session, starting one if none is active.
// On failure the returned error is also reflected in the transcript and the
// controller is ready for the next submission.
func (c *Controller) Submit(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	if ok, _ := c.fsm.CanFire(TriggerSubmit); !ok {
		c.mu.Unlock()
		return ErrBusy
	}
	if err := c.fsm.Fire(TriggerSubmit); err != nil {
		c.mu.Unlock()
		return err
	}
	c.messages = append(c.messages, history.NewMessage(history.RoleUser, text))
	req := api.ChatRequest{UserID: c.userID, Message: text, SessionID: c.sessionID}
	onChange, pending := c.onChange, c.snapshotLocked()
	c.mu.Unlock()
	c.notify(onChange, pending)

	resp, err := c.api.Chat(ctx, req)

	c.mu.Lock()
	if err != nil {
		snaps := c.failLocked(err)
		onChange := c.onChange
		c.mu.Unlock()
		c.notify(onChange, snaps...)
		return err
	}

	c.sessionID = resp.SessionID
	c.messages = append([]history.Message{}, resp.ConversationHistory...)
	fireErr := c.fsm.Fire(TriggerReplyReceived)
	onChange, done := c.onChange, c.snapshotLocked()
	c.mu.Unlock()
	c.notify(onChange, done)
	return fireErr
}

// failLocked moves through Error back to Idle and returns the snapshots taken
// in both states.
func (c *Controller) failLocked(err error) []Snapshot {
	text := genericErrorText
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusBadGateway {
			text = upstreamErrorText
		}
		// the user message was stored in this session
		if apiErr.SessionID != "" {
			c.sessionID = apiErr.SessionID
		}
	}
	logger.L.Warn("Chat request failed", "session_id", c.sessionID, "error", err)

	var snaps []Snapshot
	if fireErr := c.fsm.Fire(TriggerRequestFailed, text); fireErr != nil {
		logger.L.Error("Controller transition failed", "error", fireErr)
	}
	snaps = append(snaps, c.snapshotLocked())
	if fireErr := c.fsm.Fire(TriggerRecovered); fireErr != nil {
		logger.L.Error("Controller transition failed", "error", fireErr)
	}
	return append(snaps, c.snapshotLocked())
}

// SelectSession makes sessionID the active session, loading its messages from
// the server. Selecting the active session again is a no-op. If loading fails
// the active session stays and a local error message is added to it.
func (c *Controller) SelectSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	if c.fsm.MustState().(State) == StateAwaitingReply {
		c.mu.Unlock()
		return ErrBusy
	}
	if sessionID == c.sessionID {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	sess, err := c.api.GetConversation(ctx, sessionID)
	if err != nil {
		logger.L.Warn("Loading conversation failed", "session_id", sessionID, "error", err)
		c.mu.Lock()
		c.messages = append(c.messages, history.NewMessage(history.RoleAssistant, loadErrorText))
		onChange, snap := c.onChange, c.snapshotLocked()
		c.mu.Unlock()
		c.notify(onChange, snap)
		return err
	}

	c.mu.Lock()
	// a submit may have started while loading
	if c.fsm.MustState().(State) == StateAwaitingReply {
		c.mu.Unlock()
		return ErrBusy
	}
	c.sessionID = sess.SessionID
	c.messages = append([]history.Message{}, sess.Messages...)
	onChange, snap := c.onChange, c.snapshotLocked()
	c.mu.Unlock()
	c.notify(onChange, snap)
	return nil
}

// NewConversation clears the active session; the next submission starts a new one.
func (c *Controller) NewConversation() error {
	c.mu.Lock()
	if c.fsm.MustState().(State) == StateAwaitingReply {
		c.mu.Unlock()
		return ErrBusy
	}
	c.sessionID = ""
	c.messages = nil
	onChange, snap := c.onChange, c.snapshotLocked()
	c.mu.Unlock()
	c.notify(onChange, snap)
	return nil
}

// LoadHistory returns the user's sessions, newest first.
func (c *Controller) LoadHistory(ctx context.Context) ([]history.Summary, error) {
	return c.api.ListConversations(ctx, c.userID)
}
