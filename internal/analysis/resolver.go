package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"

	"github.com/neurostuff/compose-runner/internal/apperr"
)

// SpreadKey is the argument key whose mapping is merged flat into the
// surrounding argument set.
const SpreadKey = "**kwargs"

// Specification is the analysis specification document.
type Specification struct {
	Type       string           `json:"type"`
	Estimator  *ProcedureConfig `json:"estimator"`
	Corrector  *ProcedureConfig `json:"corrector"`
	Filter     string           `json:"filter"`
	Conditions []any            `json:"conditions"`
}

// ProcedureConfig names a procedure and its keyword arguments.
type ProcedureConfig struct {
	Type string         `json:"type"`
	Args map[string]any `json:"args"`
}

// Procedure is a resolved estimator or corrector.
type Procedure struct {
	Family   string         `json:"family,omitempty"`
	Name     string         `json:"type"`
	Pairwise bool           `json:"pairwise,omitempty"`
	Args     map[string]any `json:"args"`

	// Options is the typed, validated view of Args.
	Options any `json:"-"`
}

// Resolved is the configured estimator and optional corrector.
type Resolved struct {
	Estimator Procedure  `json:"estimator"`
	Corrector *Procedure `json:"corrector,omitempty"`
}

// FieldError names the specification field that failed to resolve.
type FieldError struct {
	Field  string
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *FieldError) Error() string {
	return e.Field + " " + e.Reason
}

// Unwrap returns the underlying decode or validation error.
func (e *FieldError) Unwrap() error {
	return e.Err
}

func invalidSpec(fe *FieldError) error {
	return apperr.Wrap(apperr.KindInvalidSpecification, "resolve specification",
		"invalid specification: "+fe.Error(), fe)
}

// ParseSpecification decodes a specification document.
func ParseSpecification(raw json.RawMessage) (*Specification, error) {
	var spec Specification
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, invalidSpec(&FieldError{Field: "specification", Reason: "is not a valid document", Err: err})
	}
	return &spec, nil
}

// Family returns the lowercased procedure family, defaulting to cbma.
func (s *Specification) Family() string {
	if s.Type == "" {
		return FamilyCBMA
	}
	return strings.ToLower(s.Type)
}

// ConditionValues returns the conditions as comparable strings.
func (s *Specification) ConditionValues() []string {
	values := make([]string, 0, len(s.Conditions))
	for _, c := range s.Conditions {
		values = append(values, conditionString(c))
	}
	return values
}

func conditionString(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case bool:
		if c {
			return "true"
		}
		return "false"
	case float64:
		b, _ := json.Marshal(c)
		return string(b)
	default:
		return fmt.Sprint(c)
	}
}

// Resolver maps specifications onto registered procedures.
type Resolver struct {
	registry *Registry
	validate *validator.Validate
}

// NewResolver creates a resolver over registry. A nil registry uses DefaultRegistry.
func NewResolver(registry *Registry) *Resolver {
	if registry == nil {
		registry = DefaultRegistry()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "" {
			return fld.Name
		}
		return name
	})
	return &Resolver{registry: registry, validate: v}
}

// Registry returns the registry backing the resolver.
func (r *Resolver) Registry() *Registry {
	return r.registry
}

// Resolve returns the configured estimator and corrector for spec.
func (r *Resolver) Resolve(spec *Specification) (*Resolved, error) {
	if spec == nil || spec.Estimator == nil {
		return nil, invalidSpec(&FieldError{Field: "estimator", Reason: "is required"})
	}

	family := spec.Family()
	if family != FamilyCBMA && family != FamilyIBMA {
		return nil, invalidSpec(&FieldError{Field: "type", Reason: fmt.Sprintf("%q is not a supported procedure family", spec.Type)})
	}

	if spec.Estimator.Type == "" {
		return nil, invalidSpec(&FieldError{Field: "estimator.type", Reason: "is required"})
	}
	es, err := r.registry.Estimator(family, spec.Estimator.Type)
	if err != nil {
		return nil, invalidSpec(&FieldError{Field: "estimator.type", Reason: fmt.Sprintf("%q is not a supported estimator", spec.Estimator.Type), Err: err})
	}
	args, opts, err := r.resolveArgs(spec.Estimator.Args, es.NewOptions, "estimator.args")
	if err != nil {
		return nil, err
	}

	resolved := &Resolved{
		Estimator: Procedure{
			Family:   es.Family,
			Name:     es.Name,
			Pairwise: es.Pairwise,
			Args:     args,
			Options:  opts,
		},
	}

	if c := spec.Corrector; c != nil && (c.Type != "" || len(c.Args) > 0) {
		if c.Type == "" {
			return nil, invalidSpec(&FieldError{Field: "corrector.type", Reason: "is required"})
		}
		cs, err := r.registry.Corrector(c.Type)
		if err != nil {
			return nil, invalidSpec(&FieldError{Field: "corrector.type", Reason: fmt.Sprintf("%q is not a supported corrector", c.Type), Err: err})
		}
		args, opts, err := r.resolveArgs(c.Args, cs.NewOptions, "corrector.args")
		if err != nil {
			return nil, err
		}
		resolved.Corrector = &Procedure{Name: cs.Name, Args: args, Options: opts}
	}

	return resolved, nil
}

func (r *Resolver) resolveArgs(raw map[string]any, newOptions func() any, field string) (map[string]any, any, error) {
	args, err := FlattenArgs(raw)
	if err != nil {
		return nil, nil, invalidSpec(&FieldError{Field: field + "." + SpreadKey, Reason: "must be an object", Err: err})
	}
	opts, fe := r.decode(args, newOptions, field)
	if fe != nil {
		return nil, nil, invalidSpec(fe)
	}
	return args, opts, nil
}

// FlattenArgs merges the SpreadKey mapping into the surrounding arguments,
// later keys winning, and removes SpreadKey. The input map is not modified.
func FlattenArgs(args map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}

	spread, ok := args[SpreadKey]
	if ok && spread != nil {
		bag, isMap := spread.(map[string]any)
		if !isMap {
			return nil, fmt.Errorf("spread arguments have type %T", spread)
		}
		for k, v := range bag {
			out[k] = v
		}
	}
	delete(out, SpreadKey)
	return out, nil
}

func (r *Resolver) decode(args map[string]any, newOptions func() any, field string) (any, *FieldError) {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// Decode key by key first so a type mismatch names the exact argument.
	for _, k := range keys {
		if err := decodeOptions(map[string]any{k: args[k]}, newOptions()); err != nil {
			return nil, &FieldError{Field: field + "." + k, Reason: "has an invalid type", Err: err}
		}
	}

	opts := newOptions()
	if err := decodeOptions(args, opts); err != nil {
		return nil, &FieldError{Field: field, Reason: "could not be decoded", Err: err}
	}

	if err := r.validate.Struct(opts); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return nil, &FieldError{
				Field:  field + "." + fe.Field(),
				Reason: fmt.Sprintf("failed %q validation", fe.Tag()),
				Err:    err,
			}
		}
		return nil, &FieldError{Field: field, Reason: "is invalid", Err: err}
	}
	return opts, nil
}

func decodeOptions(input map[string]any, result any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           result,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("create decoder: %w", err)
	}
	return decoder.Decode(input)
}
