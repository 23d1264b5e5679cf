package hostext

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/nxml-run/sandboxrt/pkg/value"
)

// HTTPExtension is a stand-in for a real HTTP-client extension. Instead of
// making a network call, it prints the requested method/args to Prompt and
// reads one line of JSON from Input describing the response a human (or a
// scripted test) wants it to return. This is a demo-host shortcut, not a
// reference HTTP client implementation.
type HTTPExtension struct {
	Input  io.Reader
	Prompt io.Writer

	scanner *bufio.Scanner
}

func NewHTTPExtension(input io.Reader, prompt io.Writer) *HTTPExtension {
	return &HTTPExtension{Input: input, Prompt: prompt}
}

func (e *HTTPExtension) Name() string { return "http" }

func (e *HTTPExtension) Methods() []string { return []string{"get", "post"} }

// Invoke prompts for a JSON response body on Prompt, then blocks on Input
// until a line arrives. The line is parsed as JSON and converted to a
// Value the same way value.FromGo handles any decoded any; a malformed
// line resolves with OK=false rather than erroring the extension call
// outright, matching how a flaky real HTTP endpoint would fail.
func (e *HTTPExtension) Invoke(ctx context.Context, method string, args []value.Value) (value.Resolution, error) {
	url := "<unspecified>"
	if len(args) > 0 {
		if u, ok := args[0].Get("url"); ok {
			if s, ok := u.AsString(); ok {
				url = s
			}
		}
	}
	fmt.Fprintf(e.Prompt, "[http.%s] %s\nrespond with a JSON value, or an error message prefixed with \"!\": ", method, url)

	line, err := e.readLine()
	if err != nil {
		return value.Resolution{}, fmt.Errorf("hostext: http: %w", err)
	}
	if len(line) > 0 && line[0] == '!' {
		return value.Resolution{OK: false, Message: line[1:]}, nil
	}

	var decoded any
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		return value.Resolution{OK: false, Message: "malformed response: " + err.Error()}, nil
	}
	return value.Resolution{OK: true, Value: value.FromGo(decoded)}, nil
}

func (e *HTTPExtension) readLine() (string, error) {
	if e.scanner == nil {
		e.scanner = bufio.NewScanner(e.Input)
	}
	if !e.scanner.Scan() {
		if err := e.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return e.scanner.Text(), nil
}
