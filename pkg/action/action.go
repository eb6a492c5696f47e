package action

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/blake2b"
)

// ErrMalformed marks model output that does not describe a valid action.
var ErrMalformed = errors.New("malformed action")

// Action is one proposed or decided action.
type Action struct {
	Params    map[string]any `json:"params,omitempty"`
	Kind      Kind           `json:"action"`
	Reasoning string         `json:"reasoning,omitempty"`
	Wait      WaitValue      `json:"wait"`
	Condense  bool           `json:"condense,omitempty"`
}

// identifier params are compared case-insensitively.
//
//nolint:gochecknoglobals // static lookup
var idParams = map[string]bool{"to": true, "child_id": true, "agent_id": true}

// wire is the JSON shape models are asked to emit.
type wire struct {
	Params    map[string]any  `json:"params"`
	Action    string          `json:"action"`
	Reasoning string          `json:"reasoning"`
	Wait      WaitValue       `json:"wait"`
	Condense  json.RawMessage `json:"condense"`
}

var fenceRE = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// extractJSON pulls the JSON object out of a raw completion, which may be fenced or wrapped in prose.
func extractJSON(content string) (string, bool) {
	if m := fenceRE.FindStringSubmatch(content); m != nil {
		content = m[1]
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return content[start : end+1], true
}

// Parse reads an action from raw model output. Every failure wraps ErrMalformed.
func Parse(content string) (*Action, error) {
	raw, ok := extractJSON(content)
	if !ok {
		return nil, fmt.Errorf("%w: no JSON object in response", ErrMalformed)
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var w wire
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	kind, err := ParseKind(w.Action)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	a := &Action{
		Kind:      kind,
		Params:    w.Params,
		Reasoning: strings.TrimSpace(w.Reasoning),
		Wait:      w.Wait,
		Condense:  parseCondense(w.Condense),
	}
	if a.Params == nil {
		a.Params = map[string]any{}
	}
	delete(a.Params, "reasoning")

	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return a, nil
}

// parseCondense accepts true or a positive count as a condense directive.
func parseCondense(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var b bool
	if json.Unmarshal(raw, &b) == nil {
		return b
	}
	var n float64
	if json.Unmarshal(raw, &n) == nil {
		return n > 0
	}
	return false
}

// Validate checks the parameters each kind requires.
func (a *Action) Validate() error {
	switch a.Kind {
	case SendMessage:
		if a.String("to") == "" || a.String("content") == "" {
			return fmt.Errorf("send_message requires to and content")
		}
	case SpawnChild:
		if a.String("task") == "" {
			return fmt.Errorf("spawn_child requires task")
		}
		if _, ok := a.Params["budget"]; ok {
			if d, err := a.Decimal("budget"); err != nil || d.IsNegative() {
				return fmt.Errorf("spawn_child budget must be a non-negative number")
			}
		}
	case DismissChild:
		if a.String("child_id") == "" {
			return fmt.Errorf("dismiss_child requires child_id")
		}
	case AdjustBudget:
		if a.String("child_id") == "" {
			return fmt.Errorf("adjust_budget requires child_id")
		}
		d, err := a.Decimal("budget")
		if err != nil || d.IsNegative() {
			return fmt.Errorf("adjust_budget requires a non-negative budget")
		}
	case Learn:
		if a.String("lesson") == "" {
			return fmt.Errorf("learn requires lesson")
		}
	case Todo:
		if _, ok := a.Params["items"]; !ok {
			return fmt.Errorf("todo requires items")
		}
	case Orient, Wait, Finish:
	default:
		return fmt.Errorf("unknown action %q", a.Kind)
	}
	return nil
}

// String returns a trimmed string parameter, or "" when absent or not a string.
func (a *Action) String(key string) string {
	s, _ := a.Params[key].(string)
	return strings.TrimSpace(s)
}

// ID returns an identifier parameter in its canonical lower-case form.
func (a *Action) ID(key string) string {
	return strings.ToLower(a.String(key))
}

// Decimal returns a numeric parameter as an exact decimal.
func (a *Action) Decimal(key string) (decimal.Decimal, error) {
	switch v := a.Params[key].(type) {
	case json.Number:
		return decimal.NewFromString(v.String())
	case string:
		return decimal.NewFromString(strings.TrimSpace(v))
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case decimal.Decimal:
		return v, nil
	case nil:
		return decimal.Zero, fmt.Errorf("missing %s", key)
	default:
		return decimal.Zero, fmt.Errorf("%s is not a number", key)
	}
}

// Int returns an integer parameter; ok is false when absent or non-integral.
func (a *Action) Int(key string) (int64, bool) {
	d, err := a.Decimal(key)
	if err != nil || !d.IsInteger() {
		return 0, false
	}
	return d.IntPart(), true
}

// StringList returns a list parameter, accepting a single string as a one-item list.
func (a *Action) StringList(key string) []string {
	switch v := a.Params[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case []string:
		return v
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		return []string{strings.TrimSpace(v)}
	default:
		return nil
	}
}

// Normalized returns the parameters in canonical form: strings trimmed, identifiers lower-cased,
// numbers as decimal strings. Reasoning never takes part.
func (a *Action) Normalized() map[string]any {
	out := make(map[string]any, len(a.Params))
	for k, v := range a.Params {
		if k == "reasoning" {
			continue
		}
		out[k] = normalizeValue(v, idParams[k])
	}
	return out
}

func normalizeValue(v any, lower bool) any {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if lower {
			s = strings.ToLower(s)
		}
		return s
	case json.Number:
		if d, err := decimal.NewFromString(t.String()); err == nil {
			return d.String()
		}
		return t.String()
	case float64:
		return decimal.NewFromFloat(t).String()
	case int:
		return decimal.NewFromInt(int64(t)).String()
	case int64:
		return decimal.NewFromInt(t).String()
	case decimal.Decimal:
		return t.String()
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = normalizeValue(t[i], lower)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i := range t {
			out[i] = normalizeValue(t[i], lower)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = normalizeValue(inner, idParams[k])
		}
		return out
	default:
		return t
	}
}

// Fingerprint identifies the (kind, normalized params, wait) triple. Two proposals with the
// same fingerprint are the same decision, down to how the agent continues afterwards.
func (a *Action) Fingerprint() string {
	canonical, _ := json.Marshal(struct {
		Kind   Kind           `json:"action"`
		Params map[string]any `json:"params"`
		Wait   WaitValue      `json:"wait"`
	}{a.Kind, a.Normalized(), a.Wait})
	sum := blake2b.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// JSON renders the action the way models are asked to write it.
func (a *Action) JSON() string {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Sprintf(`{"action":%q}`, a.Kind)
	}
	return string(data)
}

// Summary is a short single-line rendering used in refinement prompts and logs.
func (a *Action) Summary() string {
	params := a.Normalized()
	suffix := ""
	if a.Wait.Form != WaitAbsent {
		suffix = " wait=" + a.Wait.String()
	}
	if len(params) == 0 {
		return string(a.Kind) + suffix
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v, _ := json.Marshal(params[k])
		parts = append(parts, fmt.Sprintf("%s=%s", k, v))
	}
	return fmt.Sprintf("%s(%s)%s", a.Kind, strings.Join(parts, ", "), suffix)
}

// Clone returns a copy whose params map can be mutated independently.
func (a *Action) Clone() *Action {
	cp := *a
	cp.Params = make(map[string]any, len(a.Params))
	for k, v := range a.Params {
		cp.Params[k] = v
	}
	return &cp
}
