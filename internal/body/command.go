// Package body drives the robot's physical features: eye LEDs, eyebrow
// servos and the mouth indicator. Movements come from a closed command set
// that the remote model can request through a single tool.
package body

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind identifies a body movement.
type Kind string

// Supported movements.
const (
	Blink   Kind = "blink"
	Wiggle  Kind = "wiggle"
	Neutral Kind = "neutral"

	// Glow flashes the mouth light. Only the buttons ask for it; the remote
	// model drives the mouth through speech.
	Glow Kind = "glow"
)

// Default repeat counts per movement.
const (
	DefaultBlinkRepeat  = 3
	DefaultWiggleRepeat = 4
	DefaultGlowRepeat   = 1
	MaxRepeat           = 10
)

// ToolName is the function name the remote model calls to move the body.
const ToolName = "move_face"

// ToolDescription describes ToolName to the remote model.
const ToolDescription = "Move your face. Blink your eyes, wiggle your eyebrows, or return to a neutral expression."

// ErrUnknownCommand is returned for a function call outside the command set.
var ErrUnknownCommand = errors.New("unknown body command")

// Command is one movement request.
type Command struct {
	Kind   Kind `json:"action"`
	Repeat int  `json:"repeat,omitempty"`
}

func (c Command) String() string {
	if c.Repeat > 0 {
		return fmt.Sprintf("%s x%d", c.Kind, c.Repeat)
	}
	return string(c.Kind)
}

// ToolParameters returns the JSON schema of the ToolName arguments.
func ToolParameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"enum":        []string{string(Blink), string(Wiggle), string(Neutral)},
				"description": "The movement to perform.",
			},
			"repeat": map[string]any{
				"type":        "integer",
				"minimum":     1,
				"maximum":     MaxRepeat,
				"description": "How many times to repeat the movement.",
			},
		},
		"required": []string{"action"},
	}
}

// ParseCommand decodes the arguments of a ToolName function call.
// Repeat defaults per kind and is capped at MaxRepeat.
func ParseCommand(name, arguments string) (Command, error) {
	if name != ToolName {
		return Command{}, fmt.Errorf("%w: function %q", ErrUnknownCommand, name)
	}

	var cmd Command
	if err := json.Unmarshal([]byte(arguments), &cmd); err != nil {
		return Command{}, fmt.Errorf("decode %s arguments: %w", name, err)
	}
	cmd, err := cmd.normalize()
	if err == nil && cmd.Kind == Glow {
		return Command{}, fmt.Errorf("%w: action %q", ErrUnknownCommand, cmd.Kind)
	}
	return cmd, err
}

// normalize lowercases the kind, fills in the default repeat and caps it at
// MaxRepeat.
func (c Command) normalize() (Command, error) {
	c.Kind = Kind(strings.ToLower(strings.TrimSpace(string(c.Kind))))

	switch c.Kind {
	case Blink:
		c.Repeat = cmp.Or(max(c.Repeat, 0), DefaultBlinkRepeat)
	case Wiggle:
		c.Repeat = cmp.Or(max(c.Repeat, 0), DefaultWiggleRepeat)
	case Glow:
		c.Repeat = cmp.Or(max(c.Repeat, 0), DefaultGlowRepeat)
	case Neutral:
		c.Repeat = 0
	default:
		return Command{}, fmt.Errorf("%w: action %q", ErrUnknownCommand, c.Kind)
	}
	c.Repeat = min(c.Repeat, MaxRepeat)
	return c, nil
}
