package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/locutus/lfsync/pkg/activation"
)

// activateFunc is the function an activation script must define.
const activateFunc = "activate"

// StarlarkEvaluator executes Starlark scripts with a time limit.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &StarlarkEvaluator{
		timeout: timeout,
	}
}

// Exec runs a script with input bound as predeclared names and returns its
// frozen globals.
func (se *StarlarkEvaluator) Exec(ctx context.Context, name, script string, input map[string]interface{}) (starlark.StringDict, error) {
	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
	}
	for key, val := range input {
		starlarkVal, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = starlarkVal
	}

	var globals starlark.StringDict
	err := se.run(ctx, name, func(thread *starlark.Thread) error {
		var err error
		globals, err = starlark.ExecFile(thread, name, script, predeclared)
		return err
	})
	if err != nil {
		return nil, err
	}
	return globals, nil
}

// Call calls fn with positional args.
func (se *StarlarkEvaluator) Call(ctx context.Context, fn starlark.Callable, args ...starlark.Value) (starlark.Value, error) {
	var result starlark.Value
	err := se.run(ctx, fn.Name(), func(thread *starlark.Thread) error {
		var err error
		result, err = starlark.Call(thread, fn, starlark.Tuple(args), nil)
		return err
	})
	return result, err
}

// run executes body on a fresh thread, cancelling it on timeout.
func (se *StarlarkEvaluator) run(ctx context.Context, name string, body func(*starlark.Thread) error) error {
	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			// Scripts have no output channel.
		},
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- body(thread)
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel("timeout")
		<-errCh
		return fmt.Errorf("starlark execution of %s timed out after %v", name, se.timeout)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("starlark execution failed: %w", err)
		}
		return nil
	}
}

// ScriptSettings answers activation queries from a Starlark script that
// defines activate(candidate, known). The function returns True or False to
// decide, or None to leave the decision to the fallback policy.
//
//	def activate(candidate, known):
//	    if candidate["serial"] in ("0001", "0002"):
//	        return True
//	    return None
type ScriptSettings struct {
	name      string
	evaluator *StarlarkEvaluator
	activate  starlark.Callable
}

var _ activation.Settings = (*ScriptSettings)(nil)

// LoadScriptSettings reads an activation script from path.
func LoadScriptSettings(ctx context.Context, path string, timeout time.Duration) (*ScriptSettings, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read activation script: %w", err)
	}
	return NewScriptSettings(ctx, path, string(src), timeout)
}

// NewScriptSettings compiles an activation script.
func NewScriptSettings(ctx context.Context, name, script string, timeout time.Duration) (*ScriptSettings, error) {
	evaluator := NewStarlarkEvaluator(timeout)
	globals, err := evaluator.Exec(ctx, name, script, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load activation script: %w", err)
	}
	fn, ok := globals[activateFunc].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("activation script %s does not define %s(candidate, known)", name, activateFunc)
	}
	return &ScriptSettings{name: name, evaluator: evaluator, activate: fn}, nil
}

// ActivationFor implements activation.Settings.
func (s *ScriptSettings) ActivationFor(candidate activation.Device, known []activation.Device) (activation.Decision, bool, error) {
	cand, err := toStarlarkValue(deviceInput(candidate))
	if err != nil {
		return "", false, err
	}
	list := make([]interface{}, len(known))
	for i, d := range known {
		list[i] = deviceInput(d)
	}
	knownVal, err := toStarlarkValue(list)
	if err != nil {
		return "", false, err
	}

	result, err := s.evaluator.Call(context.Background(), s.activate, cand, knownVal)
	if err != nil {
		return "", false, err
	}

	switch v := result.(type) {
	case starlark.NoneType:
		return "", false, nil
	case starlark.Bool:
		if v {
			return activation.Activate, true, nil
		}
		return activation.DoNotActivate, true, nil
	default:
		return "", false, fmt.Errorf("%s: %s must return a bool or None, got %s", s.name, activateFunc, result.Type())
	}
}

func deviceInput(d activation.Device) map[string]interface{} {
	in := map[string]interface{}{
		"id":       d.ID,
		"serial":   d.Serial,
		"firmware": d.Firmware,
		"active":   d.Active,
	}
	if !d.LastSeen.IsZero() {
		in["last_seen"] = d.LastSeen.UTC().Format(time.RFC3339)
	}
	return in
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
