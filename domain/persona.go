package domain

import (
	"fmt"
	"strings"
)

// PromptPolicy decides how much of the transcript goes into a prompt.
type PromptPolicy string

const (
	// PolicyWindowed keeps only the most recent exchange.
	PolicyWindowed PromptPolicy = "windowed"
	// PolicyFullHistory replays every turn.
	PolicyFullHistory PromptPolicy = "full"
)

func ParsePromptPolicy(s string) (PromptPolicy, error) {
	switch PromptPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyWindowed:
		return PolicyWindowed, nil
	case PolicyFullHistory, "full-history", "full_history":
		return PolicyFullHistory, nil
	}
	return "", fmt.Errorf("%w: unknown prompt policy %q", ErrConfiguration, s)
}

// Persona is the fixed character the assistant plays. Its preamble is
// prepended to every prompt and never changes.
type Persona struct {
	Name           string       `json:"name"`
	Title          string       `json:"title"`
	Preamble       string       `json:"-"`
	AskerLabel     string       `json:"asker_label"`
	ResponderLabel string       `json:"responder_label"`
	Greeting       string       `json:"greeting"`
	Policy         PromptPolicy `json:"policy"`
}

// Label returns the prompt label for a role.
func (p Persona) Label(role Role) string {
	if role == UserRole {
		return p.AskerLabel
	}
	return p.ResponderLabel
}

var ProfessorBot = Persona{
	Name:           "assistant",
	Title:          "Professor Bot",
	Preamble:       "You are Professor Bot, a knowledgeable and friendly educational assistant.",
	AskerLabel:     "Student",
	ResponderLabel: "Professor Bot",
	Greeting:       "Hello, I'm Professor Bot, your virtual educational assistant! How can I assist you in learning today?",
	Policy:         PolicyWindowed,
}

// QuizWords are the words the vocabulary quiz works through.
var QuizWords = []string{
	"ubiquitous", "ephemeral", "candid", "meticulous", "benevolent",
	"pragmatic", "resilient", "ambiguous", "eloquent", "tenacious",
}

// QuizEndPhrase makes the quiz persona wrap up. The model enforces it; the
// session itself does not watch for it.
const QuizEndPhrase = "end the chat"

var VocabularyQuiz = Persona{
	Name:  "vocab-quiz",
	Title: "Professor Bot Vocabulary Quiz",
	Preamble: "You are Professor Bot, a patient and encouraging vocabulary tutor. " +
		"Quiz the student on these words, one word at a time: " + strings.Join(QuizWords, ", ") + ". " +
		"For each word, ask the student to define it or use it in a sentence, then tell them whether they were right " +
		"and give a short example of correct usage. Never quiz a word that has already been covered in this conversation. " +
		"Only respond as Professor Bot and never write the student's lines. " +
		"If the student says \"" + QuizEndPhrase + "\", summarise how they did and say goodbye without asking another question.",
	AskerLabel:     "Student",
	ResponderLabel: "Professor Bot",
	Greeting:       "Hello, I'm Professor Bot! Ready for a vocabulary quiz? Say \"" + QuizEndPhrase + "\" whenever you want to stop.",
	Policy:         PolicyFullHistory,
}

var personas = map[string]Persona{
	ProfessorBot.Name:   ProfessorBot,
	VocabularyQuiz.Name: VocabularyQuiz,
}

func LookupPersona(name string) (Persona, error) {
	p, ok := personas[name]
	if !ok {
		return Persona{}, fmt.Errorf("%w: unknown persona %q", ErrConfiguration, name)
	}
	return p, nil
}

// Personas lists the built-in personas in a stable order.
func Personas() []Persona {
	return []Persona{ProfessorBot, VocabularyQuiz}
}
