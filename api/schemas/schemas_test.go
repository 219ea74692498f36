package schemas_test

import (
	"errors"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/sentinel/api/schemas"
)

func TestCapturedLogsMerge(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	first := schemas.CapturedLogs{
		Console:   []schemas.ConsoleMessage{{Level: schemas.LevelError, Message: "boom"}},
		Timestamp: t0,
		PagePath:  "/login",
	}
	second := schemas.CapturedLogs{
		Console:   []schemas.ConsoleMessage{{Level: schemas.LevelInfo, Message: "ready"}},
		Network:   []schemas.NetworkRequest{{URL: "/api", Status: schemas.IntPtr(200)}},
		Timestamp: t0.Add(time.Second),
	}

	merged := first.Merge(second)
	require.Len(t, merged.Console, 2)
	assert.Equal(t, "boom", merged.Console[0].Message)
	assert.Equal(t, "ready", merged.Console[1].Message)
	assert.Len(t, merged.Network, 1)
	assert.Equal(t, t0.Add(time.Second), merged.Timestamp, "later timestamp wins")
	assert.Equal(t, "/login", merged.PagePath, "empty page path does not overwrite")
	assert.Equal(t, 1, merged.ErrorCount())

	// Inputs are untouched.
	assert.Len(t, first.Console, 1)
	assert.Empty(t, first.Network)

	assert.True(t, schemas.CapturedLogs{}.IsEmpty())
	assert.False(t, merged.IsEmpty())
}

func TestNetworkRequestStatusCode(t *testing.T) {
	assert.Equal(t, 0, schemas.NetworkRequest{}.StatusCode())
	assert.Equal(t, 503, schemas.NetworkRequest{Status: schemas.IntPtr(503)}.StatusCode())
}

func TestContractError(t *testing.T) {
	cause := errors.New("no tab id")
	err := error(&schemas.ContractError{Op: "open_tab", Err: cause})

	assert.ErrorIs(t, err, schemas.ErrDriverContract)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "driver contract violation: open_tab: no tab id", err.Error())
}

func TestSeverityRank(t *testing.T) {
	assert.Greater(t, schemas.SeverityHigh.Rank(), schemas.SeverityMedium.Rank())
	assert.Greater(t, schemas.SeverityMedium.Rank(), schemas.SeverityLow.Rank())
	assert.Equal(t, 0, schemas.Severity("bogus").Rank())
}

func TestDetectedErrorSignatureIgnoresTiming(t *testing.T) {
	a := schemas.DetectedError{Code: "HTTP_503", Source: schemas.SourceNetwork, APIEndpoint: "/api/x", StepID: "save", Timestamp: time.Now()}
	b := a
	b.Timestamp = a.Timestamp.Add(time.Minute)
	b.Message = "different wording"
	assert.Equal(t, a.Signature(), b.Signature())

	b.StepID = "other"
	assert.NotEqual(t, a.Signature(), b.Signature())
}

func TestStatusAndResults(t *testing.T) {
	for _, s := range []schemas.Status{schemas.StatusPass, schemas.StatusFail, schemas.StatusSkip, schemas.StatusError} {
		assert.True(t, s.IsTerminal(), s)
	}
	assert.False(t, schemas.StatusRunning.IsTerminal())
	assert.False(t, schemas.StatusPending.IsTerminal())

	res := schemas.TestResult{
		Steps: []schemas.StepResult{
			{StepID: "a", Status: schemas.StatusPass},
			{StepID: "b", Status: schemas.StatusFail},
			{StepID: "c", Status: schemas.StatusError},
			{StepID: "d", Status: schemas.StatusSkip},
		},
		Comparisons: []schemas.ComparisonResult{{Passed: true}, {Passed: false, Message: "url mismatch"}},
	}
	failed := res.FailedSteps()
	require.Len(t, failed, 2)
	assert.Equal(t, "b", failed[0].StepID)
	assert.Equal(t, "c", failed[1].StepID)
	require.Len(t, res.FailedComparisons(), 1)
	assert.Equal(t, "url mismatch", res.FailedComparisons()[0].Message)
}

func TestActionsAndTargets(t *testing.T) {
	assert.True(t, schemas.ActionWaitFor.IsValid())
	assert.False(t, schemas.ActionType("teleport").IsValid())
	assert.True(t, schemas.ActionClick.NeedsTarget())
	assert.False(t, schemas.ActionNavigate.NeedsTarget())

	var nilTarget *schemas.Target
	assert.True(t, nilTarget.IsZero())
	assert.Equal(t, "", nilTarget.String())
	assert.Equal(t, "#save", (&schemas.Target{Selector: "#save", Text: "Save"}).String())
	assert.Equal(t, "Save", (&schemas.Target{Text: "Save", Description: "the button"}).String())

	assert.Equal(t, "navigate /login", schemas.TestStep{Action: schemas.ActionNavigate, Value: "/login"}.Label())
	assert.Equal(t, "click #save", schemas.TestStep{Action: schemas.ActionClick, Target: &schemas.Target{Selector: "#save"}}.Label())
	assert.Equal(t, "snapshot", schemas.TestStep{Action: schemas.ActionSnapshot}.Label())

	sc := schemas.TestScenario{Steps: []schemas.TestStep{{ID: "a"}, {ID: "b"}}}
	assert.Equal(t, 1, sc.StepIndex("b"))
	assert.Equal(t, -1, sc.StepIndex("zzz"))

	assert.True(t, schemas.AssertionConfig{}.IsEmpty())
	assert.False(t, schemas.AssertionConfig{ConsoleNoErrors: true}.IsEmpty())
}

func TestTestContext(t *testing.T) {
	tc := schemas.NewTestContext("ctx-1", "tab-1", "http://app.test", "auth")
	tc.Set("user", "student")
	v, ok := tc.Get("user")
	assert.True(t, ok)
	assert.Equal(t, "student", v)

	vars := tc.Vars()
	vars["user"] = "mutated"
	v, _ = tc.Get("user")
	assert.Equal(t, "student", v, "Vars returns a copy")

	tc.RecordStep("login", schemas.StatusPass)
	assert.Equal(t, map[string]string{"login": "pass"}, tc.StepStatuses())

	tc.RegisterResource(schemas.CreatedResource{Kind: "project", ID: "1"})
	tc.RegisterResource(schemas.CreatedResource{Kind: "task", ID: "2"})
	res := tc.Resources()
	require.Len(t, res, 2)
	assert.Equal(t, "2", res[0].ID, "released in reverse creation order")

	tc.AddFixAttempts("sig", 2)
	tc.AddFixAttempts("sig", 1)
	assert.Equal(t, 3, tc.FixAttempts("sig"))
	assert.Equal(t, 0, tc.FixAttempts("other"))
}

func TestAuthPasswordNeverSerialized(t *testing.T) {
	sc := schemas.TestScenario{
		Name:  "login",
		Flow:  "auth",
		Setup: &schemas.SetupConfig{Auth: &schemas.AuthSetup{Email: "a@b.c", Password: "hunter2"}},
	}
	out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalToString(sc)
	require.NoError(t, err)
	assert.Contains(t, out, "a@b.c")
	assert.NotContains(t, out, "hunter2")
}
