// Package delivery defines the outbound messaging port.
package delivery

import (
	"context"
	"io"
)

// Sender is the port interface for delivering results to a chat channel.
// The orchestrator decides between text, file, and keyboard based on the
// result size and flow state; adapters only transport.
type Sender interface {
	// SendText delivers an inline text message.
	SendText(ctx context.Context, chat string, text string) error

	// SendFile delivers a payload as a file attachment.
	SendFile(ctx context.Context, chat string, name string, r io.Reader) error

	// SendKeyboard delivers a text prompt with tappable button rows.
	SendKeyboard(ctx context.Context, chat string, text string, buttons [][]string) error
}
