package hostext

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/nxml-run/sandboxrt/pkg/value"
)

// AIExtension is a stand-in for a real model-backed extension. Instead of
// calling out to a model provider, it prompts a human operator for a
// completion on Prompt and reads one line from Input as the answer.
type AIExtension struct {
	Input  io.Reader
	Prompt io.Writer

	scanner *bufio.Scanner
}

func NewAIExtension(input io.Reader, prompt io.Writer) *AIExtension {
	return &AIExtension{Input: input, Prompt: prompt}
}

func (e *AIExtension) Name() string { return "ai" }

func (e *AIExtension) Methods() []string { return []string{"complete"} }

func (e *AIExtension) Invoke(ctx context.Context, method string, args []value.Value) (value.Resolution, error) {
	prompt := ""
	if len(args) > 0 {
		if p, ok := args[0].Get("prompt"); ok {
			if s, ok := p.AsString(); ok {
				prompt = s
			}
		}
	}
	fmt.Fprintf(e.Prompt, "[ai.complete] %s\ncompletion, or an error message prefixed with \"!\": ", prompt)

	if e.scanner == nil {
		e.scanner = bufio.NewScanner(e.Input)
	}
	if !e.scanner.Scan() {
		if err := e.scanner.Err(); err != nil {
			return value.Resolution{}, fmt.Errorf("hostext: ai: %w", err)
		}
		return value.Resolution{}, fmt.Errorf("hostext: ai: %w", io.EOF)
	}
	line := e.scanner.Text()
	if len(line) > 0 && line[0] == '!' {
		return value.Resolution{OK: false, Message: line[1:]}, nil
	}
	return value.Resolution{OK: true, Value: value.String(line)}, nil
}
