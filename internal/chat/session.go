// Package chat ties the connection manager, the message store and the
// status publisher together into one conversation.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/omochice/tiny-chat/internal/client"
	"github.com/omochice/tiny-chat/internal/status"
	"github.com/omochice/tiny-chat/internal/store"
	"github.com/omochice/tiny-chat/pkg/protocol"
)

// ErrEmptyMessage is returned by Submit for blank input.
var ErrEmptyMessage = errors.New("message is empty")

// Connection is the part of the connection manager a Session drives.
type Connection interface {
	Send(ctx context.Context, msg protocol.Message) error
	OnMessage(listener client.Listener)
}

// Session is one conversation: what the user typed, what the agent
// streamed back, and who is currently composing.
type Session struct {
	conn   Connection
	store  *store.Store
	status *status.Publisher
	logger zerolog.Logger

	// mu orders local appends made by Submit against inbound records so a
	// reply never lands ahead of the message it answers.
	mu sync.Mutex
	id string
}

// NewSession creates a Session and registers its store listener on conn.
func NewSession(conn Connection, st *store.Store, pub *status.Publisher, logger zerolog.Logger) *Session {
	s := &Session{
		conn:   conn,
		store:  st,
		status: pub,
		logger: logger,
		id:     newConversationID(),
	}
	conn.OnMessage(s.receive)
	return s
}

// ID returns the current conversation id.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) Store() *store.Store {
	return s.store
}

func (s *Session) Status() *status.Publisher {
	return s.status
}

// Submit sends text as a user message. Once the send succeeds the message
// and an agent loading placeholder are appended to the store.
func (s *Session) Submit(ctx context.Context, text string) (*protocol.Text, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	msg := &protocol.Text{
		Header:  protocol.Header{ID: uuid.NewString(), From: protocol.RoleUser},
		Content: text,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.conn.Send(ctx, msg); err != nil {
		return nil, err
	}

	s.store.Append(msg)
	s.store.Append(&protocol.Loading{
		Header: protocol.Header{ID: "loading-" + msg.ID, From: protocol.RoleAgent},
	})
	s.status.SetLoadingOwner(protocol.RoleAgent)

	s.logger.Debug().Str("conversation", s.id).Str("id", msg.ID).Msg("Message submitted")
	return msg, nil
}

// Stop asks the server to cancel the reply in progress. The placeholder is
// dropped even when the request cannot be sent.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.conn.Send(ctx, &protocol.Event{Name: protocol.EventStop})
	s.store.RemoveLoading()
	s.status.ClearLoadingOwner()
	if err != nil {
		s.logger.Warn().Err(err).Str("conversation", s.id).Msg("Failed to send stop event")
		return err
	}
	return nil
}

// Reset starts a new conversation. The connection is left untouched.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.store.Clear()
	s.status.ClearLoadingOwner()
	old := s.id
	s.id = newConversationID()

	s.logger.Info().Str("previous", old).Str("conversation", s.id).Msg("Started new conversation")
}

// receive is the store listener registered on the connection.
func (s *Session) receive(msg protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.store.Append(msg)

	if msg.Kind() == protocol.KindLoading {
		owner := msg.Sender()
		if owner == "" {
			owner = protocol.RoleAgent
		}
		s.status.SetLoadingOwner(owner)
		return
	}
	if _, ok := s.status.LoadingOwner(); ok {
		if _, loading := s.store.Loading(); !loading {
			s.status.ClearLoadingOwner()
		}
	}
}

func newConversationID() string {
	id, err := gonanoid.New()
	if err != nil {
		panic(err)
	}
	return id
}
