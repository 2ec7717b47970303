package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"

	"cdc-fanout/internal/config"
	"cdc-fanout/internal/models"
)

// ErrRowRejected is returned when a JavaScript transform function rejects a
// row by returning null or undefined.
var ErrRowRejected = errors.New("row rejected by transformer")

// Transformer shapes a routed row with include/exclude/rename/add_fields
// rules or a JavaScript function.
type Transformer struct {
	logger   *logrus.Logger
	rule     *RuleMatcher
	jsScript string
	source   string
}

// RuleMatcher holds the compiled field rules of one route.
type RuleMatcher struct {
	include   map[string]bool
	exclude   map[string]bool
	rename    map[string]string
	addFields map[string]string
}

// NewTransformer compiles the rules of a route. A nil rule and empty script
// yields a pass-through transformer.
func NewTransformer(rules *config.RuleConfig, scriptPath string, logger *logrus.Logger) (*Transformer, error) {
	t := &Transformer{logger: logger}

	if scriptPath != "" {
		scriptContent, err := os.ReadFile(scriptPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read JavaScript script file: %w", err)
		}
		if err := t.setScript(string(scriptContent)); err != nil {
			return nil, err
		}
		t.source = scriptPath
		logger.Infof("Loaded JavaScript transformation script: %s", scriptPath)
	}

	if rules != nil {
		if err := ValidateRules(rules); err != nil {
			return nil, err
		}
		matcher := &RuleMatcher{
			include:   make(map[string]bool),
			exclude:   make(map[string]bool),
			rename:    make(map[string]string),
			addFields: rules.AddFields,
		}
		for _, field := range rules.Include {
			matcher.include[strings.ToLower(field)] = true
		}
		for _, field := range rules.Exclude {
			matcher.exclude[strings.ToLower(field)] = true
		}
		for from, to := range rules.Rename {
			matcher.rename[strings.ToLower(from)] = to
		}
		t.rule = matcher
	}

	return t, nil
}

// newScriptTransformer compiles an inline script.
func newScriptTransformer(script string, logger *logrus.Logger) (*Transformer, error) {
	t := &Transformer{logger: logger, source: "inline"}
	if err := t.setScript(script); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Transformer) setScript(script string) error {
	if err := validateJavaScriptScript(script); err != nil {
		return fmt.Errorf("invalid JavaScript script: %w", err)
	}
	t.jsScript = script
	return nil
}

// validateJavaScriptScript checks that the script yields a function, either
// as its value or as a global named transform.
func validateJavaScriptScript(scriptContent string) error {
	vm := goja.New()
	_, err := loadFunction(vm, scriptContent)
	return err
}

func loadFunction(vm *goja.Runtime, script string) (goja.Callable, error) {
	result, err := vm.RunString(script)
	if err != nil {
		return nil, fmt.Errorf("failed to execute script: %w", err)
	}

	if result != nil && !goja.IsUndefined(result) && !goja.IsNull(result) {
		if fn, ok := goja.AssertFunction(result); ok {
			return fn, nil
		}
	}

	transformVar := vm.Get("transform")
	if transformVar != nil && !goja.IsUndefined(transformVar) && !goja.IsNull(transformVar) {
		if fn, ok := goja.AssertFunction(transformVar); ok {
			return fn, nil
		}
	}

	return nil, fmt.Errorf("script must export a function (either anonymous function or named 'transform' function)")
}

// Apply shapes row for the given table and operation. The script, when
// present, runs after the field rules and receives {table, op, key, row}.
func (t *Transformer) Apply(table models.Table, op models.Operation, key string, row map[string]interface{}) (map[string]interface{}, error) {
	shaped := row
	if t.rule != nil {
		shaped = t.rule.apply(row)
	}
	if t.jsScript != "" {
		return t.transformWithJavaScript(table, op, key, shaped)
	}
	if t.rule == nil {
		return models.CopyRow(row), nil
	}
	return shaped, nil
}

func (t *Transformer) transformWithJavaScript(table models.Table, op models.Operation, key string, row map[string]interface{}) (map[string]interface{}, error) {
	input, err := json.Marshal(map[string]interface{}{
		"table": table,
		"op":    op,
		"key":   key,
		"row":   row,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal row to JSON: %w", err)
	}

	t.logger.Debugf("Transforming %s:%s with JavaScript (%s)", table, key, t.source)

	// goja.Runtime is not safe for concurrent use; each call gets its own.
	vm := goja.New()
	if err := t.setupConsoleBindings(vm); err != nil {
		return nil, fmt.Errorf("failed to setup console bindings: %w", err)
	}

	callable, err := loadFunction(vm, t.jsScript)
	if err != nil {
		return nil, err
	}

	if err := vm.Set("inputJSON", string(input)); err != nil {
		return nil, fmt.Errorf("failed to set input JSON: %w", err)
	}
	arg, err := vm.RunString("JSON.parse(inputJSON)")
	if err != nil {
		return nil, fmt.Errorf("failed to parse input JSON: %w", err)
	}

	result, err := callable(goja.Undefined(), arg)
	if err != nil {
		t.logger.Errorf("JavaScript transform function error: %v", err)
		return nil, fmt.Errorf("JavaScript transform function error: %w", err)
	}

	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		t.logger.Debugf("Row %s:%s rejected by JavaScript transformer", table, key)
		return nil, ErrRowRejected
	}

	exported, ok := result.Export().(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("JavaScript transform must return an object, got %T", result.Export())
	}
	return models.NormalizeRow(exported), nil
}

func (r *RuleMatcher) apply(row map[string]interface{}) map[string]interface{} {
	if row == nil {
		return nil
	}

	transformed := make(map[string]interface{}, len(row)+len(r.addFields))
	for key, value := range r.addFields {
		transformed[key] = value
	}

	for key, value := range row {
		keyLower := strings.ToLower(key)

		if len(r.exclude) > 0 && r.exclude[keyLower] {
			continue
		}
		if len(r.include) > 0 && !r.include[keyLower] {
			continue
		}

		outputKey := key
		if newName, ok := r.rename[keyLower]; ok {
			outputKey = newName
		}
		transformed[outputKey] = value
	}

	return transformed
}

func (t *Transformer) setupConsoleBindings(vm *goja.Runtime) error {
	consoleObj := vm.NewObject()

	formatArgs := func(call goja.FunctionCall) string {
		args := make([]interface{}, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.Export()
		}
		return fmt.Sprint(args...)
	}

	bindings := map[string]func(args ...interface{}){
		"log":   t.logger.Info,
		"info":  t.logger.Info,
		"warn":  t.logger.Warn,
		"error": t.logger.Error,
		"debug": t.logger.Debug,
	}
	for name, logFn := range bindings {
		logFn := logFn
		fn := func(call goja.FunctionCall) goja.Value {
			logFn(formatArgs(call))
			return goja.Undefined()
		}
		if err := consoleObj.Set(name, fn); err != nil {
			return fmt.Errorf("failed to set console.%s: %w", name, err)
		}
	}

	if err := vm.Set("console", consoleObj); err != nil {
		return fmt.Errorf("failed to set console object: %w", err)
	}
	return nil
}

// ValidateRules validates the field rules of a route.
func ValidateRules(rules *config.RuleConfig) error {
	if rules == nil {
		return nil
	}
	if len(rules.Include) > 0 && len(rules.Exclude) > 0 {
		return fmt.Errorf("cannot specify both 'include' and 'exclude' fields")
	}

	// With an include list, only included fields can be renamed.
	if len(rules.Rename) > 0 && len(rules.Include) > 0 {
		for oldName := range rules.Rename {
			found := false
			for _, inc := range rules.Include {
				if strings.EqualFold(inc, oldName) {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("rename key '%s' not found in include list", oldName)
			}
		}
	}
	return nil
}
