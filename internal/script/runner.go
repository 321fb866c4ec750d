// Package script runs optional per-webhook payload transforms written in
// JavaScript. A webhook with a transform script gets its payload rewritten
// right before serialization; returning null or undefined drops the
// delivery for that webhook.
package script

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

const (
	maxScriptSize = 64 * 1024 // 64KB
	execTimeout   = 500 * time.Millisecond
)

var (
	ErrScriptTooLarge = errors.New("script exceeds 64KB limit")
	ErrScriptTimeout  = errors.New("script execution timed out")
	ErrNoTransform    = errors.New("script must define a 'transform' function")
)

// Validate checks that the script compiles and exports a 'transform' function.
func Validate(scriptBody string) error {
	if len(scriptBody) > maxScriptSize {
		return ErrScriptTooLarge
	}

	vm := goja.New()
	if _, err := vm.RunString(scriptBody); err != nil {
		return fmt.Errorf("script compilation error: %w", err)
	}

	fn := vm.Get("transform")
	if fn == nil || fn == goja.Undefined() || fn == goja.Null() {
		return ErrNoTransform
	}
	if _, ok := goja.AssertFunction(fn); !ok {
		return ErrNoTransform
	}

	return nil
}

// Transform executes transform(event) with event = {eventType, payload}.
// A nil result with dropped=true means the script chose to drop the
// delivery.
func Transform(scriptBody, eventType string, payload map[string]any) (result map[string]any, dropped bool, err error) {
	if len(scriptBody) > maxScriptSize {
		return nil, false, ErrScriptTooLarge
	}

	// Recover from goja panics (e.g., from vm.Interrupt)
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(*goja.InterruptedError); ok {
				result, dropped, err = nil, false, ErrScriptTimeout
			} else {
				result, dropped, err = nil, false, fmt.Errorf("script panic: %v", r)
			}
		}
	}()

	vm := goja.New()

	timer := time.AfterFunc(execTimeout, func() {
		vm.Interrupt("timeout")
	})
	defer timer.Stop()

	if _, err := vm.RunString(scriptBody); err != nil {
		return nil, false, fmt.Errorf("script compilation error: %w", err)
	}

	fn := vm.Get("transform")
	if fn == nil || fn == goja.Undefined() || fn == goja.Null() {
		return nil, false, ErrNoTransform
	}
	callable, ok := goja.AssertFunction(fn)
	if !ok {
		return nil, false, ErrNoTransform
	}

	event := map[string]any{
		"eventType": eventType,
		"payload":   payload,
	}

	ret, err := callable(goja.Undefined(), vm.ToValue(event))
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, false, ErrScriptTimeout
		}
		return nil, false, fmt.Errorf("script execution error: %w", err)
	}

	if ret == nil || ret == goja.Undefined() || ret == goja.Null() {
		return nil, true, nil
	}

	// Marshal the result back through JSON to get clean Go types
	jsonBytes, err := json.Marshal(ret.Export())
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal script result: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(jsonBytes, &out); err != nil {
		return nil, false, fmt.Errorf("script must return an object: %w", err)
	}

	return out, false, nil
}
