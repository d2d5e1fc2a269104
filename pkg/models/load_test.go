package models_test

import (
	"encoding/json"
	"testing"

	"github.com/kiranshivaraju/jobcache/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummary_Defaults(t *testing.T) {
	s := models.Load{}.Summary("2024, Jan 01 12:00:00.000001")

	assert.Equal(t, "unknown-function", s.Function)
	assert.Equal(t, []any{}, s.Arguments)
	assert.Equal(t, "unknown-target", s.Target)
	assert.Equal(t, []any{}, s.TargetType)
	assert.Equal(t, "root", s.User)
	assert.Equal(t, "2024, Jan 01 12:00:00.000001", s.StartTime)
}

func TestSummary_FromLoad(t *testing.T) {
	l := models.Load{
		"fun":      "cmd.run",
		"arg":      []any{"uptime"},
		"tgt":      "web*",
		"tgt_type": "glob",
		"user":     "deploy",
	}
	s := l.Summary("")

	assert.Equal(t, "cmd.run", s.Function)
	assert.Equal(t, []any{"uptime"}, s.Arguments)
	assert.Equal(t, "web*", s.Target)
	assert.Equal(t, "glob", s.TargetType)
	assert.Equal(t, "deploy", s.User)
}

func TestSummary_ScalarArgumentIsWrapped(t *testing.T) {
	s := models.Load{"arg": "uptime"}.Summary("")
	assert.Equal(t, []any{"uptime"}, s.Arguments)
}

func TestSummary_JSONFieldNames(t *testing.T) {
	raw, err := json.Marshal(models.Load{"fun": "test.ping"}.Summary("x"))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	for _, k := range []string{"Function", "Arguments", "Target", "Target-type", "User", "StartTime"} {
		assert.Contains(t, got, k)
	}
}

func TestTargetType_DefaultsToGlob(t *testing.T) {
	assert.Equal(t, "glob", models.Load{}.TargetType())
	assert.Equal(t, "pcre", models.Load{"tgt_type": "pcre"}.TargetType())
}

func TestResultRecord_OmitsMissingOut(t *testing.T) {
	raw, err := json.Marshal(models.ResultRecord{Return: json.RawMessage("true")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"return": true}`, string(raw))

	out := "highstate"
	raw, err = json.Marshal(models.ResultRecord{Return: json.RawMessage(`{"a":1}`), Out: &out})
	require.NoError(t, err)
	assert.JSONEq(t, `{"return": {"a": 1}, "out": "highstate"}`, string(raw))
}
