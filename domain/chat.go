package domain

type ChatTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type Role string

const (
	UserRole      Role = "user"
	AssistantRole Role = "assistant"
)

// Transcript is the ordered list of turns of one chat session. It starts with
// a greeting from the assistant and only grows, except for DropPending.
type Transcript struct {
	turns []ChatTurn
}

// NewTranscript returns a transcript holding a single assistant greeting.
func NewTranscript(greeting string) *Transcript {
	return &Transcript{
		turns: []ChatTurn{{Role: AssistantRole, Content: greeting}},
	}
}

func (t *Transcript) Append(turn ChatTurn) {
	t.turns = append(t.turns, turn)
}

// Last returns the most recent turn. A transcript is never empty.
func (t *Transcript) Last() ChatTurn {
	return t.turns[len(t.turns)-1]
}

func (t *Transcript) Len() int {
	return len(t.turns)
}

// Turns returns a copy of the turns in conversation order.
func (t *Transcript) Turns() []ChatTurn {
	out := make([]ChatTurn, len(t.turns))
	copy(out, t.turns)
	return out
}

// NeedsResponse reports whether the last turn came from the user.
func (t *Transcript) NeedsResponse() bool {
	return t.Last().Role == UserRole
}

// DropPending removes a trailing user turn whose response was never
// produced. It is a no-op when the transcript is waiting on nothing.
func (t *Transcript) DropPending() bool {
	if !t.NeedsResponse() || len(t.turns) == 1 {
		return false
	}
	t.turns = t.turns[:len(t.turns)-1]
	return true
}
