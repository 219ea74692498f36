package schemas

import (
	"time"
)

// CreatedResource is a handle to application data a scenario created and
// must release during teardown.
type CreatedResource struct {
	Kind        string    `json:"kind"`
	ID          string    `json:"id"`
	CleanupPath string    `json:"cleanup_path,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// TestContext is the scenario-scoped execution state. It is exclusively owned
// by the scenario that acquired it until teardown releases it, so it carries no
// locking.
type TestContext struct {
	ID      string
	TabID   string
	BaseURL string
	Flow    string

	vars      map[string]string
	steps     map[string]Status
	resources []CreatedResource
	fixCounts map[string]int
}

// NewTestContext creates an empty context bound to a driver tab.
func NewTestContext(id, tabID, baseURL, flow string) *TestContext {
	return &TestContext{
		ID:        id,
		TabID:     tabID,
		BaseURL:   baseURL,
		Flow:      flow,
		vars:      make(map[string]string),
		steps:     make(map[string]Status),
		fixCounts: make(map[string]int),
	}
}

// Set stores a session-scoped value.
func (c *TestContext) Set(key, value string) {
	c.vars[key] = value
}

// Get returns a session-scoped value.
func (c *TestContext) Get(key string) (string, bool) {
	v, ok := c.vars[key]
	return v, ok
}

// Vars returns a copy of the session store.
func (c *TestContext) Vars() map[string]string {
	out := make(map[string]string, len(c.vars))
	for k, v := range c.vars {
		out[k] = v
	}
	return out
}

// RecordStep remembers the final status of a step for later conditions.
func (c *TestContext) RecordStep(id string, status Status) {
	c.steps[id] = status
}

// StepStatuses returns a copy of the recorded step statuses.
func (c *TestContext) StepStatuses() map[string]string {
	out := make(map[string]string, len(c.steps))
	for k, v := range c.steps {
		out[k] = string(v)
	}
	return out
}

// RegisterResource records a resource for release at teardown.
func (c *TestContext) RegisterResource(res CreatedResource) {
	c.resources = append(c.resources, res)
}

// Resources returns the registered resources in reverse creation order, the
// order in which they must be released.
func (c *TestContext) Resources() []CreatedResource {
	out := make([]CreatedResource, len(c.resources))
	copy(out, c.resources)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// FixAttempts returns how many remediation attempts were spent on an error signature.
func (c *TestContext) FixAttempts(signature string) int {
	return c.fixCounts[signature]
}

// AddFixAttempts charges attempts against an error signature.
func (c *TestContext) AddFixAttempts(signature string, n int) {
	c.fixCounts[signature] += n
}
