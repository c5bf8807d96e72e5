// Package protocol defines the chat message records exchanged with the server
// and the codecs that put them on the wire.
package protocol

// Kind identifies the variant of a message record. It is the value of the
// "type" field on the wire.
type Kind string

const (
	// KindText is a user or agent utterance, possibly streamed in fragments.
	KindText Kind = "text"
	// KindLoading is a placeholder shown until the first fragment arrives.
	KindLoading Kind = "loading"
	// KindReasoning carries the agent's reasoning for a main message.
	KindReasoning Kind = "reasoning"
	// KindTool records a tool invocation attached to a main message.
	KindTool Kind = "tool"
	// KindSources lists citations attached to a main message.
	KindSources Kind = "sources"
	// KindPing is the heartbeat frame.
	KindPing Kind = "ping"
	// KindEvent marks client control events such as {"event":"stop"}.
	// They carry no "type" field on the wire.
	KindEvent Kind = "event"
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	return string(k)
}

// IsChild reports whether records of this kind attach to a main message.
func (k Kind) IsChild() bool {
	switch k {
	case KindReasoning, KindTool, KindSources:
		return true
	default:
		return false
	}
}

// IsControl reports whether records of this kind are connection control
// frames rather than conversation entries.
func (k Kind) IsControl() bool {
	return k == KindPing || k == KindEvent
}

// Role is the sender of a conversation record.
type Role string

const (
	// RoleUser marks records written by the person at the keyboard.
	RoleUser Role = "user"
	// RoleAgent marks records produced by the server-side agent.
	RoleAgent Role = "agent"
)

// Message is a single record on the wire. The set of implementations is
// closed; use a type switch over the pointer variants in this package.
type Message interface {
	Kind() Kind
	MessageID() string
	Sender() Role
	IsStreaming() bool

	clone() Message
}

// Streamable is implemented by kinds whose content may arrive in fragments.
type Streamable interface {
	Message
	MessageContent() string
	AppendContent(fragment string)
}

// Child is implemented by kinds that must reference a parent main message.
type Child interface {
	Message
	ParentMessageID() string
}

// Header holds the fields shared by every conversation record.
type Header struct {
	ID        string `json:"id"`
	From      Role   `json:"sender,omitempty"`
	Streaming bool   `json:"streaming,omitempty"`
}

func (h *Header) MessageID() string { return h.ID }
func (h *Header) Sender() Role      { return h.From }
func (h *Header) IsStreaming() bool { return h.Streaming }

// Text is plain user or agent text.
type Text struct {
	Header
	Content string `json:"content"`
}

func (*Text) Kind() Kind                      { return KindText }
func (m *Text) MessageContent() string        { return m.Content }
func (m *Text) AppendContent(fragment string) { m.Content += fragment }
func (m *Text) clone() Message                { c := *m; return &c }

// Loading is the transient "agent is composing" placeholder.
type Loading struct {
	Header
}

func (*Loading) Kind() Kind       { return KindLoading }
func (m *Loading) clone() Message { c := *m; return &c }

// Reasoning is a reasoning trace attached to a main message.
type Reasoning struct {
	Header
	ParentID string `json:"parent_id"`
	Content  string `json:"content"`
}

func (*Reasoning) Kind() Kind                      { return KindReasoning }
func (m *Reasoning) ParentMessageID() string       { return m.ParentID }
func (m *Reasoning) MessageContent() string        { return m.Content }
func (m *Reasoning) AppendContent(fragment string) { m.Content += fragment }
func (m *Reasoning) clone() Message                { c := *m; return &c }

// Tool is a tool invocation and, once available, its output.
type Tool struct {
	Header
	ParentID  string         `json:"parent_id"`
	Name      string         `json:"name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Content   string         `json:"content"`
}

func (*Tool) Kind() Kind                      { return KindTool }
func (m *Tool) ParentMessageID() string       { return m.ParentID }
func (m *Tool) MessageContent() string        { return m.Content }
func (m *Tool) AppendContent(fragment string) { m.Content += fragment }

func (m *Tool) clone() Message {
	c := *m
	if m.Arguments != nil {
		c.Arguments = make(map[string]any, len(m.Arguments))
		for k, v := range m.Arguments {
			c.Arguments[k] = v
		}
	}
	return &c
}

// Source is a single citation.
type Source struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url"`
}

// Sources lists the citations backing a main message.
type Sources struct {
	Header
	ParentID string   `json:"parent_id"`
	Content  string   `json:"content,omitempty"`
	Sources  []Source `json:"sources,omitempty"`
}

func (*Sources) Kind() Kind                      { return KindSources }
func (m *Sources) ParentMessageID() string       { return m.ParentID }
func (m *Sources) MessageContent() string        { return m.Content }
func (m *Sources) AppendContent(fragment string) { m.Content += fragment }

func (m *Sources) clone() Message {
	c := *m
	c.Sources = append([]Source(nil), m.Sources...)
	return &c
}

// Ping is the heartbeat control frame. It needs no response.
type Ping struct{}

func (*Ping) Kind() Kind        { return KindPing }
func (*Ping) MessageID() string { return "" }
func (*Ping) Sender() Role      { return "" }
func (*Ping) IsStreaming() bool { return false }
func (*Ping) clone() Message    { return &Ping{} }

// EventStop asks the server to cancel the agent task for the session.
const EventStop = "stop"

// Event is a client control event.
type Event struct {
	Name string `json:"event"`
}

func (*Event) Kind() Kind        { return KindEvent }
func (*Event) MessageID() string { return "" }
func (*Event) Sender() Role      { return "" }
func (*Event) IsStreaming() bool { return false }
func (m *Event) clone() Message  { c := *m; return &c }

// Clone returns a deep copy of msg.
func Clone(msg Message) Message {
	if msg == nil {
		return nil
	}
	return msg.clone()
}

// ParentID returns the parent id of a child record.
func ParentID(msg Message) (string, bool) {
	c, ok := msg.(Child)
	if !ok {
		return "", false
	}
	return c.ParentMessageID(), true
}

// Content returns the displayable text of msg, or "" for kinds without any.
func Content(msg Message) string {
	if s, ok := msg.(Streamable); ok {
		return s.MessageContent()
	}
	return ""
}
