package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mways/smsgatewayd/internal/config"
)

func TestTemplateExtractsNumberedCaptureGroup(t *testing.T) {
	tmpl, err := Compile(`code=@message::\[(\d+)\]::1@`)
	require.NoError(t, err)
	out := tmpl.Apply(map[string]string{"message": "prefix [12345] suffix"})
	assert.Equal(t, "code=12345", out)
}

func TestTemplateExtractsNamedCaptureGroup(t *testing.T) {
	tmpl, err := Compile(`@message::\[(?P<code>\d+)\]::code@`)
	require.NoError(t, err)
	out := tmpl.Apply(map[string]string{"message": "prefix [999] suffix"})
	assert.Equal(t, "999", out)
}

func TestTemplatePlainSubstitution(t *testing.T) {
	tmpl, err := Compile(`hello @contact@`)
	require.NoError(t, err)
	out := tmpl.Apply(map[string]string{"contact": "alice"})
	assert.Equal(t, "hello alice", out)
}

func TestCompileRejectsUnknownField(t *testing.T) {
	_, err := Compile(`@bogus@`)
	assert.Error(t, err)
}

func TestCompileRejectsUnterminatedPlaceholder(t *testing.T) {
	_, err := Compile(`hello @contact`)
	assert.Error(t, err)
}

func TestCompileRejectsInvalidRegex(t *testing.T) {
	_, err := Compile(`@message::(::1@`)
	assert.Error(t, err)
}

func TestMatchesAppliesContactAndMessageFilters(t *testing.T) {
	rule, err := CompileRule(config.Webhook{
		ContactFilter: []string{"13800138000"},
		MessageFilter: &config.MessageFilter{Contains: []string{"important"}},
	})
	require.NoError(t, err)
	assert.True(t, matches(rule, Event{Contact: "13800138000", Message: "this is important"}))
	assert.False(t, matches(rule, Event{Contact: "13800138000", Message: "nothing special"}))
	assert.False(t, matches(rule, Event{Contact: "other", Message: "this is important"}))
}

func TestMatchesMessageFilterContainsIsAnyMatch(t *testing.T) {
	rule, err := CompileRule(config.Webhook{
		MessageFilter: &config.MessageFilter{Contains: []string{"urgent", "alarm"}},
	})
	require.NoError(t, err)
	assert.True(t, matches(rule, Event{Message: "this is urgent"}))
	assert.True(t, matches(rule, Event{Message: "the alarm is ringing"}))
	assert.False(t, matches(rule, Event{Message: "nothing special"}))
}

func TestMatchesRespectsIncludeSelfSent(t *testing.T) {
	rule, err := CompileRule(config.Webhook{})
	require.NoError(t, err)
	assert.False(t, matches(rule, Event{Send: true}))
	rule.cfg.IncludeSelfSent = true
	assert.True(t, matches(rule, Event{Send: true}))
}

func TestMatchesSimFilterUsesDisplayName(t *testing.T) {
	rule, err := CompileRule(config.Webhook{SimFilter: []string{"Work SIM"}})
	require.NoError(t, err)
	assert.True(t, matches(rule, Event{SimDisplay: "Work SIM"}))
	assert.False(t, matches(rule, Event{SimDisplay: "Personal SIM"}))
}

func TestMatchesTimeFilterWindow(t *testing.T) {
	rule, err := CompileRule(config.Webhook{TimeFilter: &config.TimeFilter{StartTime: "09:00", EndTime: "17:00"}})
	require.NoError(t, err)
	morning := time.Date(2026, 7, 30, 10, 0, 0, 0, time.Local)
	night := time.Date(2026, 7, 30, 22, 0, 0, 0, time.Local)
	assert.True(t, matches(rule, Event{Timestamp: morning}))
	assert.False(t, matches(rule, Event{Timestamp: night}))
}

func TestCompileRuleRejectsInvalidMessageFilterRegex(t *testing.T) {
	_, err := CompileRule(config.Webhook{MessageFilter: &config.MessageFilter{Regex: "("}})
	assert.Error(t, err)
}

func TestPipelineDispatchesMatchingRule(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pl, err := New(zap.NewNop(), []config.Webhook{
		{URL: srv.URL, Method: "POST", Body: `{"msg":"@message@"}`, Timeout: 2},
	}, 4)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pl.Run(ctx)

	pl.Submit(Event{Contact: "alice", Message: "hi", Timestamp: time.Now()})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&hits) == 1
	}, time.Second, 10*time.Millisecond)

	pl.Shutdown()
}

func TestPipelineSkipsNonMatchingRule(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	pl, err := New(zap.NewNop(), []config.Webhook{
		{URL: srv.URL, Method: "POST", Body: "@message@", ContactFilter: []string{"someone-else"}},
	}, 4)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pl.Run(ctx)

	pl.Submit(Event{Contact: "alice", Message: "hi"})
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&hits))

	pl.Shutdown()
}
