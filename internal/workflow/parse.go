package workflow

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "inmemory://agentorch/workflow.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func definitionSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile(schemaURL)
	})
	return compiledSchema, schemaErr
}

// DocFormat is the serialization of a definition document.
type DocFormat string

const (
	DocYAML DocFormat = "yaml"
	DocJSON DocFormat = "json"
)

// ParseError reports a definition that cannot run. It is never retried.
type ParseError struct {
	// Source is the file or document name.
	Source string
	// Step is the offending step index, or -1 for document-level problems.
	Step int
	// Field is the offending field, if known.
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	var b strings.Builder
	b.WriteString("workflow")
	if e.Source != "" {
		b.WriteString(" ")
		b.WriteString(e.Source)
	}
	if e.Step >= 0 {
		fmt.Fprintf(&b, ": step %d", e.Step)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " (%s)", e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *ParseError) Unwrap() error { return e.Err }

func docError(source string, err error) *ParseError {
	return &ParseError{Source: source, Step: -1, Err: err}
}

// StepValidator checks a step of a custom type at parse time. declared holds
// every variable name the step may read.
type StepValidator func(step *Step, declared map[string]bool) error

var (
	stepTypesMu sync.RWMutex
	stepTypes   = map[StepType]StepValidator{}
)

// RegisterStepType makes Parse accept steps of type t. It is meant to be
// called from init alongside Engine.Handle for the same type.
func RegisterStepType(t StepType, validate StepValidator) {
	stepTypesMu.Lock()
	defer stepTypesMu.Unlock()
	stepTypes[t] = validate
}

func customStepType(t StepType) (StepValidator, bool) {
	stepTypesMu.RLock()
	defer stepTypesMu.RUnlock()
	v, ok := stepTypes[t]
	return v, ok
}

// LoadFile reads and parses a definition, choosing the format by extension.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	format := DocYAML
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = DocJSON
	}
	def, err := parse(data, format, path)
	if err != nil {
		return nil, err
	}
	return def, nil
}

// Parse decodes and validates a definition document.
func Parse(data []byte, format DocFormat) (*Definition, error) {
	return parse(data, format, "")
}

func parse(data []byte, format DocFormat, source string) (*Definition, error) {
	var doc any
	switch format {
	case DocJSON:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, docError(source, fmt.Errorf("decode json: %w", err))
		}
	case DocYAML, "":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, docError(source, fmt.Errorf("decode yaml: %w", err))
		}
	default:
		return nil, docError(source, fmt.Errorf("unknown format %q", format))
	}

	// The schema validator and the struct decoder both want JSON values.
	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, docError(source, fmt.Errorf("normalize document: %w", err))
	}
	var payload any
	if err := json.Unmarshal(normalized, &payload); err != nil {
		return nil, docError(source, fmt.Errorf("normalize document: %w", err))
	}

	schema, err := definitionSchema()
	if err != nil {
		return nil, docError(source, err)
	}
	if err := schema.Validate(payload); err != nil {
		return nil, docError(source, fmt.Errorf("schema validation failed: %w", err))
	}

	var def Definition
	if err := json.Unmarshal(normalized, &def); err != nil {
		return nil, docError(source, fmt.Errorf("decode definition: %w", err))
	}
	def.source = source
	if def.Variables == nil {
		def.Variables = map[string]any{}
	}
	if err := validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// validate checks what the schema cannot: step references, declared
// variables, expressions and durations.
func validate(def *Definition) error {
	declared := map[string]bool{VarRunID: true, VarWorkflow: true}
	for name := range def.Variables {
		if name == VarRunID || name == VarWorkflow {
			return &ParseError{Source: def.source, Step: -1, Field: "variables", Err: fmt.Errorf("%q is a built-in variable", name)}
		}
		declared[name] = true
	}
	for i := range def.Steps {
		if err := checkStepIndexes(def, i); err != nil {
			return err
		}
	}
	available := reachingOutputs(def, declared)

	invokes := map[string]bool{}
	for i := range def.Steps {
		s := &def.Steps[i]
		declared := available[i]
		fail := func(field string, err error) error {
			return &ParseError{Source: def.source, Step: i, Field: field, Err: err}
		}
		checkTemplate := func(field, tmpl string) error {
			refs, err := templateRefs(tmpl)
			if err != nil {
				return fail(field, err)
			}
			for _, ref := range refs {
				root := strings.SplitN(ref, ".", 2)[0]
				if !declared[root] {
					return fail(field, fmt.Errorf("undefined variable %q", root))
				}
			}
			return nil
		}

		switch s.Type {
		case StepAction:
			for field, tmpl := range map[string]string{"prompt": s.Prompt, "system": s.System, "workspace": s.Workspace} {
				if err := checkTemplate(field, tmpl); err != nil {
					return err
				}
			}
			if s.Timeout != "" {
				d, err := time.ParseDuration(s.Timeout)
				if err != nil || d <= 0 {
					return fail("timeout", fmt.Errorf("invalid duration %q", s.Timeout))
				}
				s.timeout = d
			}
		case StepConditional:
			expr, err := CompileExpr(s.If)
			if err != nil {
				return fail("if", err)
			}
			for _, id := range expr.Identifiers() {
				if !declared[id] {
					return fail("if", fmt.Errorf("undefined variable %q", id))
				}
			}
			s.cond = expr
		case StepGoto:
		case StepInvoke:
			if s.Workflow == def.Name {
				return fail("workflow", fmt.Errorf("workflow %q invokes itself", def.Name))
			}
			for name, tmpl := range s.With {
				if err := checkTemplate("with."+name, tmpl); err != nil {
					return err
				}
			}
			invokes[s.Workflow] = true
		case StepCheckpoint:
		case StepDecision:
			if err := checkTemplate("question", s.Question); err != nil {
				return err
			}
			if err := checkTemplate("context", s.Context); err != nil {
				return err
			}
		default:
			v, ok := customStepType(s.Type)
			if !ok {
				return fail("type", fmt.Errorf("unknown step type %q", s.Type))
			}
			if v != nil {
				if err := v(s, declared); err != nil {
					return fail("", err)
				}
			}
		}
	}

	def.invokes = make([]string, 0, len(invokes))
	for name := range invokes {
		def.invokes = append(def.invokes, name)
	}
	sort.Strings(def.invokes)
	return nil
}

func checkStepIndexes(def *Definition, i int) error {
	n := len(def.Steps)
	s := &def.Steps[i]
	refs := []struct {
		field string
		idx   *int
	}{{"then", s.Then}, {"else", s.Else}, {"target", s.Target}}
	for _, r := range refs {
		if r.idx != nil && (*r.idx < 0 || *r.idx > n) {
			return &ParseError{Source: def.source, Step: i, Field: r.field, Err: fmt.Errorf("step index %d out of range [0,%d]", *r.idx, n)}
		}
	}
	return nil
}

// successors returns the steps control can reach directly after step i.
// Index len(steps) is the end of the workflow and is left out.
func successors(def *Definition, i int) []int {
	s := &def.Steps[i]
	orNext := func(idx *int) int {
		if idx == nil {
			return i + 1
		}
		return *idx
	}
	var next []int
	switch s.Type {
	case StepConditional:
		next = []int{orNext(s.Then), orNext(s.Else)}
	case StepGoto:
		if s.Target != nil {
			next = []int{*s.Target}
		}
	default:
		next = []int{i + 1}
	}
	out := next[:0]
	for _, j := range next {
		if j < len(def.Steps) {
			out = append(out, j)
		}
	}
	return out
}

// reachingOutputs computes, per step, the variables bound on every path from
// the first step to it: the initial variables plus the outputs of steps that
// must have run. Steps that cannot be reached accept every output.
func reachingOutputs(def *Definition, initial map[string]bool) []map[string]bool {
	n := len(def.Steps)
	if n == 0 {
		return nil
	}
	all := make(map[string]bool, len(initial))
	for name := range initial {
		all[name] = true
	}
	for _, s := range def.Steps {
		if s.Output != "" {
			all[s.Output] = true
		}
	}

	in := make([]map[string]bool, n)
	for i := range in {
		in[i] = all
	}
	in[0] = initial

	for changed := true; changed; {
		changed = false
		for i := 0; i < n; i++ {
			var meet map[string]bool
			if i == 0 {
				meet = initial
			}
			for p := 0; p < n; p++ {
				for _, q := range successors(def, p) {
					if q != i {
						continue
					}
					out := in[p]
					if o := def.Steps[p].Output; o != "" && !out[o] {
						out = withName(out, o)
					}
					meet = intersect(meet, out)
				}
			}
			if meet == nil {
				continue
			}
			if len(meet) != len(in[i]) {
				in[i] = meet
				changed = true
			}
		}
	}
	return in
}

func withName(set map[string]bool, name string) map[string]bool {
	out := make(map[string]bool, len(set)+1)
	for k := range set {
		out[k] = true
	}
	out[name] = true
	return out
}

// intersect treats a nil a as the universe.
func intersect(a, b map[string]bool) map[string]bool {
	if a == nil {
		return b
	}
	out := make(map[string]bool, len(a))
	for k := range a {
		if b[k] {
			out[k] = true
		}
	}
	return out
}

// IsParseError reports whether err is a definition error.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}
