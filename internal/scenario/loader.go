// internal/scenario/loader.go
package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"slices"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/sentinel/api/schemas"
)

// Severity of a validation Issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Errors keep a scenario from running;
// warnings are reported and the scenario runs anyway.
type Issue struct {
	File     string   `json:"file"`
	Scenario string   `json:"scenario,omitempty"`
	Path     string   `json:"path,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (i Issue) String() string {
	var b strings.Builder
	b.WriteString(i.File)
	if i.Scenario != "" {
		fmt.Fprintf(&b, " [%s]", i.Scenario)
	}
	if i.Path != "" {
		fmt.Fprintf(&b, " %s", i.Path)
	}
	fmt.Fprintf(&b, ": %s", i.Message)
	return b.String()
}

// Result is the outcome of loading a set of scenario files. Scenarios holds
// only the definitions that passed validation, in file then document order.
type Result struct {
	Scenarios []schemas.TestScenario
	Files     []string
	Issues    []Issue
}

// Errors returns the error-severity issues.
func (r *Result) Errors() []Issue {
	return r.filter(SeverityError)
}

// Warnings returns the warning-severity issues.
func (r *Result) Warnings() []Issue {
	return r.filter(SeverityWarning)
}

func (r *Result) filter(s Severity) []Issue {
	var out []Issue
	for _, i := range r.Issues {
		if i.Severity == s {
			out = append(out, i)
		}
	}
	return out
}

// Loader reads and validates YAML scenario definitions.
type Loader struct {
	validate *validator.Validate
	logger   *zap.Logger
}

// New creates a Loader.
func New(logger *zap.Logger) *Loader {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report yaml field names rather than Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Loader{validate: v, logger: logger.Named("scenario")}
}

// LoadPaths loads every .yaml or .yml file under paths. Directories are
// walked recursively in lexical order. Read and parse failures are returned
// as errors; validation problems are collected as Issues.
func (l *Loader) LoadPaths(paths []string) (*Result, error) {
	files, err := collectFiles(paths)
	if err != nil {
		return nil, err
	}
	res := &Result{Files: files}
	seen := make(map[string]string)
	for _, file := range files {
		scenarios, err := l.LoadFile(file)
		if err != nil {
			return nil, err
		}
		for _, sc := range scenarios {
			issues := l.Validate(sc)
			if prev, dup := seen[sc.Name]; dup && sc.Name != "" {
				issues = append(issues, Issue{
					Message:  fmt.Sprintf("duplicate scenario name, first defined in %s", prev),
					Severity: SeverityError,
				})
			} else {
				seen[sc.Name] = file
			}
			for i := range issues {
				issues[i].File = file
				issues[i].Scenario = sc.Name
			}
			res.Issues = append(res.Issues, issues...)
			if !hasErrors(issues) {
				res.Scenarios = append(res.Scenarios, sc)
			}
		}
	}
	l.logger.Info("Loaded scenarios.",
		zap.Int("files", len(files)),
		zap.Int("scenarios", len(res.Scenarios)),
		zap.Int("errors", len(res.Errors())),
		zap.Int("warnings", len(res.Warnings())))
	return res, nil
}

// LoadFile reads the scenarios in one file without validating them.
func (l *Loader) LoadFile(path string) ([]schemas.TestScenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}
	scenarios, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return scenarios, nil
}

// Parse decodes scenario definitions. A document is a single scenario, a
// list of scenarios, or a mapping with a "scenarios" list; a stream may hold
// several documents. Unknown fields are rejected.
func Parse(data []byte) ([]schemas.TestScenario, error) {
	var out []schemas.TestScenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for doc := 1; ; doc++ {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", doc, err)
		}
		scenarios, err := decodeDocument(&node)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", doc, err)
		}
		out = append(out, scenarios...)
	}
	return out, nil
}

func decodeDocument(doc *yaml.Node) ([]schemas.TestScenario, error) {
	root := doc
	if root.Kind == yaml.DocumentNode {
		if len(root.Content) == 0 {
			return nil, nil
		}
		root = root.Content[0]
	}
	switch root.Kind {
	case yaml.SequenceNode:
		return decodeList(root)
	case yaml.MappingNode:
		if list := mappingValue(root, "scenarios"); list != nil {
			if list.Kind != yaml.SequenceNode {
				return nil, errors.New(`"scenarios" must be a list`)
			}
			return decodeList(list)
		}
		sc, err := decodeScenario(root)
		if err != nil {
			return nil, err
		}
		return []schemas.TestScenario{sc}, nil
	case yaml.ScalarNode:
		if root.Tag == "!!null" {
			return nil, nil
		}
	}
	return nil, fmt.Errorf("line %d: expected a scenario mapping or list", root.Line)
}

func decodeList(list *yaml.Node) ([]schemas.TestScenario, error) {
	out := make([]schemas.TestScenario, 0, len(list.Content))
	for _, item := range list.Content {
		sc, err := decodeScenario(item)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

// decodeScenario decodes strictly by re-encoding the node, since
// yaml.Node.Decode does not honour KnownFields.
func decodeScenario(node *yaml.Node) (schemas.TestScenario, error) {
	var sc schemas.TestScenario
	raw, err := yaml.Marshal(node)
	if err != nil {
		return sc, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return sc, fmt.Errorf("scenario at line %d: %w", node.Line, err)
	}
	return sc, nil
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func collectFiles(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("scenario path: %w", err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && isScenarioFile(path) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", p, err)
		}
	}
	return slices.Compact(files), nil
}

func isScenarioFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func hasErrors(issues []Issue) bool {
	return slices.ContainsFunc(issues, func(i Issue) bool { return i.Severity == SeverityError })
}

var conditionEnv = map[string]interface{}{
	"vars":    map[string]string{},
	"steps":   map[string]string{},
	"baseURL": "",
	"flow":    "",
}

// Validate checks one scenario: struct tags first, then the rules tags
// cannot express. Expectations with no predicate are warnings since they
// pass vacuously.
func (l *Loader) Validate(sc schemas.TestScenario) []Issue {
	var issues []Issue
	errorf := func(path, format string, args ...interface{}) {
		issues = append(issues, Issue{Path: path, Message: fmt.Sprintf(format, args...), Severity: SeverityError})
	}
	warnf := func(path, format string, args ...interface{}) {
		issues = append(issues, Issue{Path: path, Message: fmt.Sprintf(format, args...), Severity: SeverityWarning})
	}

	if err := l.validate.Struct(sc); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			errorf("", "%v", err)
		}
		for _, fe := range verrs {
			errorf(fieldPath(fe), "failed %q validation%s", fe.Tag(), paramSuffix(fe))
		}
	}

	ids := make(map[string]bool)
	checkSteps := func(prefix string, steps []schemas.TestStep) {
		for i, step := range steps {
			path := fmt.Sprintf("%s[%d]", prefix, i)
			if step.ID != "" {
				if ids[step.ID] {
					errorf(path+".id", "duplicate step id %q", step.ID)
				}
				ids[step.ID] = true
			}
			l.checkStep(path, step, errorf)
		}
	}
	if sc.Setup != nil {
		checkSteps("setup.steps", sc.Setup.Steps)
		if a := sc.Setup.Auth; a != nil && (a.Email == "" || a.Password == "") {
			errorf("setup.auth", "email and password are required")
		}
	}
	checkSteps("steps", sc.Steps)
	if sc.Teardown != nil {
		checkSteps("teardown.steps", sc.Teardown.Steps)
	}

	for i, exp := range sc.Expected {
		path := fmt.Sprintf("expected[%d]", i)
		if exp.Assertion.IsEmpty() {
			warnf(path, "%s expectation has no assertion fields and always passes", exp.Type)
		}
		if p := exp.Assertion.URLMatches; p != "" {
			if _, err := regexp.Compile(p); err != nil {
				errorf(path+".assertion.urlMatches", "invalid pattern: %v", err)
			}
		}
		if api := exp.Assertion.APISucceeded; api != nil && api.StatusRange[1] != 0 && api.StatusRange[1] < api.StatusRange[0] {
			errorf(path+".assertion.apiSucceeded.statusRange", "range %v is inverted", api.StatusRange)
		}
	}
	if len(sc.Expected) == 0 {
		warnf("expected", "scenario declares no expectations; only step failures can fail it")
	}
	return issues
}

func (l *Loader) checkStep(path string, step schemas.TestStep, errorf func(path, format string, args ...interface{})) {
	if step.Action != "" && !step.Action.IsValid() {
		errorf(path+".action", "unknown action %q", step.Action)
		return
	}
	if step.Action.NeedsTarget() && step.Target.IsZero() {
		errorf(path+".target", "%s requires a target", step.Action)
	}
	switch step.Action {
	case schemas.ActionNavigate:
		if step.Value == "" {
			errorf(path+".value", "navigate requires a url or path")
		}
	case schemas.ActionTypeText, schemas.ActionSelect, schemas.ActionUpload, schemas.ActionPressKey:
		if step.Value == "" {
			errorf(path+".value", "%s requires a value", step.Action)
		}
	}
	if step.Condition != "" {
		if _, err := expr.Compile(step.Condition, expr.Env(conditionEnv), expr.AsBool()); err != nil {
			errorf(path+".condition", "invalid condition: %v", err)
		}
	}
	if rc := step.CaptureResource; rc != nil && rc.URLPattern != "" {
		re, err := regexp.Compile(rc.URLPattern)
		switch {
		case err != nil:
			errorf(path+".captureResource.urlPattern", "invalid pattern: %v", err)
		case re.NumSubexp() < 1:
			errorf(path+".captureResource.urlPattern", "pattern needs a capture group for the resource id")
		}
	}
}

// fieldPath renders a validator namespace without the root type name.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func paramSuffix(fe validator.FieldError) string {
	if fe.Param() == "" {
		return ""
	}
	return " (" + fe.Param() + ")"
}
