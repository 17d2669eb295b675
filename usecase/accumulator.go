package usecase

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/satriahrh/professor-bot/domain"
)

// Accumulator concatenates streamed fragments and reports the running text
// after each one.
type Accumulator struct {
	// OnUpdate receives the accumulated text after every fragment and once
	// more when the stream is exhausted. It may be nil.
	OnUpdate func(accumulated string)

	text strings.Builder
}

// Consume reads stream until it ends. On success it returns the full
// concatenation; on failure it returns the text received so far together
// with the error.
func (a *Accumulator) Consume(ctx context.Context, stream domain.FragmentStream) (string, error) {
	defer stream.Close()

	for {
		if err := ctx.Err(); err != nil {
			return a.text.String(), err
		}

		fragment, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			a.emit()
			return a.text.String(), nil
		}
		if err != nil {
			return a.text.String(), err
		}

		a.text.WriteString(fragment)
		a.emit()
	}
}

// Text returns what has been accumulated so far.
func (a *Accumulator) Text() string {
	return a.text.String()
}

func (a *Accumulator) emit() {
	if a.OnUpdate != nil {
		a.OnUpdate(a.text.String())
	}
}
