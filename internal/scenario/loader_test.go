// internal/scenario/loader_test.go
package scenario

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sentinel/api/schemas"
)

const loginScenario = `
name: login works
flow: auth
setup:
  startPath: /
  vars:
    user: student
steps:
  - id: open
    action: navigate
    value: /login
  - id: email
    action: type
    target:
      selector: 'input[type="email"]'
    value: "{{user}}@example.com"
    timeout: 5s
  - id: submit
    action: click
    target:
      text: Sign in
    retryable: true
    condition: 'steps["email"] == "pass"'
expected:
  - type: navigation
    assertion:
      urlContains: /dashboard
  - type: network_success
    assertion:
      apiSucceeded:
        endpoint: /api/session
        statusRange: [200, 204]
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParse_SingleScenario(t *testing.T) {
	scenarios, err := Parse([]byte(loginScenario))
	require.NoError(t, err)
	require.Len(t, scenarios, 1)

	sc := scenarios[0]
	assert.Equal(t, "login works", sc.Name)
	assert.Equal(t, "auth", sc.Flow)
	require.NotNil(t, sc.Setup)
	assert.Equal(t, "student", sc.Setup.Vars["user"])
	require.Len(t, sc.Steps, 3)
	assert.Equal(t, schemas.ActionTypeText, sc.Steps[1].Action)
	assert.Equal(t, 5*time.Second, sc.Steps[1].Timeout)
	assert.Equal(t, "Sign in", sc.Steps[2].Target.Text)
	assert.True(t, sc.Steps[2].Retryable)
	require.Len(t, sc.Expected, 2)
	assert.Equal(t, [2]int{200, 204}, sc.Expected[1].Assertion.APISucceeded.StatusRange)
}

func TestParse_Shapes(t *testing.T) {
	list := `
- name: a
  flow: f
  steps: [{id: s, action: navigate, value: /}]
- name: b
  flow: f
  steps: [{id: s, action: navigate, value: /}]
`
	wrapped := "scenarios:\n" + indent(list)
	multi := "name: a\nflow: f\nsteps: [{id: s, action: navigate, value: /}]\n---\nname: b\nflow: f\nsteps: [{id: s, action: navigate, value: /}]\n"

	for name, doc := range map[string]string{"list": list, "wrapped": wrapped, "multi-document": multi} {
		t.Run(name, func(t *testing.T) {
			scenarios, err := Parse([]byte(doc))
			require.NoError(t, err)
			require.Len(t, scenarios, 2)
			assert.Equal(t, "a", scenarios[0].Name)
			assert.Equal(t, "b", scenarios[1].Name)
		})
	}

	empty, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func indent(s string) string {
	var b strings.Builder
	for _, line := range strings.Split(s, "\n") {
		if line != "" {
			b.WriteString("  " + line + "\n")
		}
	}
	return b.String()
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("name: a\nflow: f\nstepz: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stepz")

	_, err = Parse([]byte("just a string"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	l := New(zap.NewNop())

	scenarios, err := Parse([]byte(loginScenario))
	require.NoError(t, err)
	assert.Empty(t, l.Validate(scenarios[0]))

	tests := []struct {
		name     string
		scenario schemas.TestScenario
		path     string
		severity Severity
	}{
		{
			name:     "missing flow",
			scenario: schemas.TestScenario{Name: "x", Steps: []schemas.TestStep{{ID: "a", Action: schemas.ActionNavigate, Value: "/"}}},
			path:     "flow",
			severity: SeverityError,
		},
		{
			name:     "no steps",
			scenario: schemas.TestScenario{Name: "x", Flow: "f"},
			path:     "steps",
			severity: SeverityError,
		},
		{
			name: "unknown action",
			scenario: schemas.TestScenario{Name: "x", Flow: "f", Steps: []schemas.TestStep{
				{ID: "a", Action: "teleport"}}},
			path:     "steps[0].action",
			severity: SeverityError,
		},
		{
			name: "click without target",
			scenario: schemas.TestScenario{Name: "x", Flow: "f", Steps: []schemas.TestStep{
				{ID: "a", Action: schemas.ActionClick}}},
			path:     "steps[0].target",
			severity: SeverityError,
		},
		{
			name: "duplicate step id",
			scenario: schemas.TestScenario{Name: "x", Flow: "f", Steps: []schemas.TestStep{
				{ID: "a", Action: schemas.ActionNavigate, Value: "/"},
				{ID: "a", Action: schemas.ActionNavigate, Value: "/b"}}},
			path:     "steps[1].id",
			severity: SeverityError,
		},
		{
			name: "bad condition",
			scenario: schemas.TestScenario{Name: "x", Flow: "f", Steps: []schemas.TestStep{
				{ID: "a", Action: schemas.ActionNavigate, Value: "/", Condition: "vars.x +"}}},
			path:     "steps[0].condition",
			severity: SeverityError,
		},
		{
			name: "capture without group",
			scenario: schemas.TestScenario{Name: "x", Flow: "f", Steps: []schemas.TestStep{
				{ID: "a", Action: schemas.ActionNavigate, Value: "/",
					CaptureResource: &schemas.ResourceCapture{Kind: "project", URLPattern: `/projects/\d+`}}}},
			path:     "steps[0].captureResource.urlPattern",
			severity: SeverityError,
		},
		{
			name: "auth without password",
			scenario: schemas.TestScenario{Name: "x", Flow: "f",
				Setup: &schemas.SetupConfig{Auth: &schemas.AuthSetup{Email: "a@b.c"}},
				Steps: []schemas.TestStep{{ID: "a", Action: schemas.ActionNavigate, Value: "/"}}},
			path:     "setup.auth",
			severity: SeverityError,
		},
		{
			name: "empty assertion",
			scenario: schemas.TestScenario{Name: "x", Flow: "f",
				Steps:    []schemas.TestStep{{ID: "a", Action: schemas.ActionNavigate, Value: "/"}},
				Expected: []schemas.ExpectedOutcome{{Type: schemas.OutcomeUIState}}},
			path:     "expected[0]",
			severity: SeverityWarning,
		},
		{
			name: "no expectations",
			scenario: schemas.TestScenario{Name: "x", Flow: "f",
				Steps: []schemas.TestStep{{ID: "a", Action: schemas.ActionNavigate, Value: "/"}}},
			path:     "expected",
			severity: SeverityWarning,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues := l.Validate(tt.scenario)
			var found bool
			for _, i := range issues {
				if i.Path == tt.path && i.Severity == tt.severity {
					found = true
				}
			}
			assert.True(t, found, "expected %s at %q, got %+v", tt.severity, tt.path, issues)
		})
	}
}

func TestLoadPaths(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "auth/login.yaml", loginScenario)
	writeFile(t, dir, "catalog/browse.yml", `
name: browse
flow: catalog
steps:
  - id: open
    action: navigate
    value: /courses
`)
	writeFile(t, dir, "broken/dup.yaml", `
name: login works
flow: auth
steps:
  - id: open
    action: navigate
    value: /
`)
	writeFile(t, dir, "notes.txt", "not a scenario")

	res, err := New(zap.NewNop()).LoadPaths([]string{dir})
	require.NoError(t, err)

	assert.Len(t, res.Files, 3)
	names := make([]string, len(res.Scenarios))
	for i, sc := range res.Scenarios {
		names[i] = sc.Name
	}
	// WalkDir visits auth, broken, catalog in lexical order; the duplicate is rejected.
	assert.Equal(t, []string{"login works", "browse"}, names)

	errs := res.Errors()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "duplicate scenario name")
	assert.Equal(t, filepath.Join(dir, "broken/dup.yaml"), errs[0].File)
	assert.NotEmpty(t, res.Warnings())
	assert.Contains(t, errs[0].String(), "[login works]")
}

func TestLoadPaths_Errors(t *testing.T) {
	l := New(zap.NewNop())

	_, err := l.LoadPaths([]string{filepath.Join(t.TempDir(), "missing")})
	require.Error(t, err)

	dir := t.TempDir()
	bad := writeFile(t, dir, "bad.yaml", "name: [unterminated\n")
	_, err = l.LoadPaths([]string{bad})
	require.Error(t, err)
	assert.Contains(t, err.Error(), bad)
}
