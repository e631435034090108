package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoJSON marks a response that held no decodable object. Callers treat
// it as "nothing extracted", never as a crash.
var ErrNoJSON = errors.New("completion response has no JSON object")

// Completer is the text/vision completion contract. image is optional.
type Completer interface {
	Complete(ctx context.Context, prompt string, image []byte) (string, error)
}

// Func adapts a plain function to Completer.
type Func func(ctx context.Context, prompt string, image []byte) (string, error)

func (f Func) Complete(ctx context.Context, prompt string, image []byte) (string, error) {
	return f(ctx, prompt, image)
}

// ExtractJSON returns the single {...} span of a free text response: from
// the first '{' to the last '}'.
func ExtractJSON(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return "", ErrNoJSON
	}
	return text[start : end+1], nil
}

// DecodeJSON extracts the object span and unmarshals it into out. Every
// failure wraps ErrNoJSON.
func DecodeJSON(text string, out any) error {
	span, err := ExtractJSON(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(span), out); err != nil {
		return fmt.Errorf("%w: %v", ErrNoJSON, err)
	}
	return nil
}

// IsSoft reports errors that mean "no data" rather than a failed run.
func IsSoft(err error) bool { return errors.Is(err, ErrNoJSON) }
