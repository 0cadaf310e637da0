package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
)

// ErrNoStructuredValue is returned when a single-valued shape came back empty
// or with a value outside its options.
var ErrNoStructuredValue = errors.New("no structured value in model output")

// Shape declares the structured output a node expects: one field holding a
// string, or a list of strings when Multiple is set. Options, when present,
// restrict the accepted values; anything else is dropped.
type Shape struct {
	Name             string
	Description      string
	Field            string
	FieldDescription string
	Options          []string
	Multiple         bool
}

// ToolInfo describes the shape as a tool the model is asked to call.
func (s Shape) ToolInfo() *schema.ToolInfo {
	param := &schema.ParameterInfo{
		Desc:     s.FieldDescription,
		Type:     schema.String,
		Enum:     s.Options,
		Required: true,
	}
	if s.Multiple {
		param = &schema.ParameterInfo{
			Desc: s.FieldDescription,
			Type: schema.Array,
			ElemInfo: &schema.ParameterInfo{
				Type: schema.String,
				Enum: s.Options,
			},
			Required: true,
		}
	}
	return &schema.ToolInfo{
		Name:        s.Name,
		Desc:        s.Description,
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{s.Field: param}),
	}
}

// Decode extracts the field from JSON arguments.
func (s Shape) Decode(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return s.result(nil)
	}
	var args map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("decode %s arguments: %w", s.Name, err)
	}
	value, ok := args[s.Field]
	if !ok {
		return s.result(nil)
	}

	var values []string
	var single string
	if err := json.Unmarshal(value, &single); err == nil {
		values = []string{single}
	} else if err := json.Unmarshal(value, &values); err != nil {
		return nil, fmt.Errorf("decode %s.%s: %w", s.Name, s.Field, err)
	}
	return s.result(values)
}

func (s Shape) result(values []string) ([]string, error) {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if len(s.Options) > 0 {
			canonical, ok := s.match(v)
			if !ok {
				continue
			}
			v = canonical
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if !s.Multiple {
		if len(out) == 0 {
			return nil, fmt.Errorf("%s: %w", s.Name, ErrNoStructuredValue)
		}
		return out[:1], nil
	}
	return out, nil
}

func (s Shape) match(v string) (string, bool) {
	for _, opt := range s.Options {
		if strings.EqualFold(opt, v) {
			return opt, true
		}
	}
	return "", false
}
