package testutils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/srg/blehost/internal/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingT captures Errorf calls so failing assertions can be checked.
type recordingT struct {
	errors []string
}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.errors = append(r.errors, fmt.Sprintf(format, args...))
}

func TestJSONAsserter_DefaultOptions(t *testing.T) {
	opts := NewJSONAsserter(t).GetOptions()

	assert.True(t, opts.IgnoreExtraKeys, "IgnoreExtraKeys MUST default to true")
	assert.True(t, opts.AllowPresencePlaceholder, "AllowPresencePlaceholder MUST default to true")
	assert.False(t, opts.IgnoreArrayOrder)
	assert.Empty(t, opts.IgnoredFields)
}

func TestJSONAsserter_Diff(t *testing.T) {
	tests := []struct {
		name     string
		opts     []Option
		actual   string
		expected string
		match    bool
	}{
		{
			name:     "extra keys ignored by default",
			actual:   `{"a":1,"b":2}`,
			expected: `{"a":1}`,
			match:    true,
		},
		{
			name:     "extra keys reported when strict",
			opts:     []Option{WithIgnoreExtraKeys(false)},
			actual:   `{"a":1,"b":2}`,
			expected: `{"a":1}`,
			match:    false,
		},
		{
			name:     "presence placeholder matches any value",
			actual:   `{"requestId":"3f1c","hasError":false}`,
			expected: `{"requestId":"<<PRESENCE>>","hasError":false}`,
			match:    true,
		},
		{
			name:     "placeholder disabled",
			opts:     []Option{WithAllowPresencePlaceholder(false)},
			actual:   `{"requestId":"3f1c"}`,
			expected: `{"requestId":"<<PRESENCE>>"}`,
			match:    false,
		},
		{
			name:     "null is a value",
			actual:   `{"payload":null}`,
			expected: `{"payload":"AQI="}`,
			match:    false,
		},
		{
			name:     "ignored fields at depth",
			opts:     []Option{WithIgnoredFields("lastSeen")},
			actual:   `{"d":{"rssi":-40,"lastSeen":123}}`,
			expected: `{"d":{"rssi":-40,"lastSeen":456}}`,
			match:    true,
		},
		{
			name:     "root arrays compare in order",
			actual:   `[{"c":"b"},{"c":"a"}]`,
			expected: `[{"c":"a"},{"c":"b"}]`,
			match:    false,
		},
		{
			name:     "root arrays as multisets",
			opts:     []Option{WithIgnoreArrayOrder(true)},
			actual:   `[{"c":"b"},{"c":"a"}]`,
			expected: `[{"c":"a"},{"c":"b"}]`,
			match:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diff := NewJSONAsserter(t).WithOptions(tt.opts...).Diff(tt.actual, tt.expected)
			if tt.match {
				assert.Empty(t, diff)
			} else {
				assert.NotEmpty(t, diff)
			}
		})
	}
}

func TestJSONAsserter_AssertEnvelopes(t *testing.T) {
	envs := []*envelope.Envelope{
		envelope.New("r1", envelope.CmdSubscribe).MustWithData(map[string]any{"status": "accepted"}),
		envelope.New("r1", envelope.CmdSubscribe).MustWithData(map[string]any{"status": "completed"}),
	}

	ok := NewJSONAsserter(t).AssertEnvelopes(envs, `[
		{"requestId": "r1", "structuredData": {"status": "accepted"}, "hasError": false},
		{"requestId": "r1", "structuredData": {"status": "completed"}, "hasError": false}
	]`)
	assert.True(t, ok)
}

func TestJSONAsserter_ReportsFailure(t *testing.T) {
	rt := &recordingT{}

	ok := NewJSONAsserter(rt).Assert(`{"a":1}`, `{"a":2}`)

	assert.False(t, ok)
	if assert.Len(t, rt.errors, 1) {
		assert.Contains(t, rt.errors[0], "JSON assertion failed")
	}
}

func TestTextAsserter(t *testing.T) {
	t.Run("identical", func(t *testing.T) {
		rt := &recordingT{}
		assert.True(t, NewTextAsserter(rt).Assert("a\nb\n", "a\nb\n"))
		assert.Empty(t, rt.errors)
	})

	t.Run("trim space", func(t *testing.T) {
		ta := NewTextAsserter(t).WithOptions(WithTrimSpace(true))
		assert.Empty(t, ta.Diff("\n0,72\n1,74\n\n", "0,72\n1,74"))
	})

	t.Run("masked columns", func(t *testing.T) {
		ta := NewTextAsserter(t).WithOptions(WithMaskedColumns(0))
		assert.Empty(t, ta.Diff(
			"2025-03-01T12:00:00Z,72\n2025-03-01T12:00:01.5Z,74\n",
			"*,72\n*,74\n"))
		assert.NotEmpty(t, ta.Diff("2025-03-01T12:00:00Z,72\n", "*,73\n"), "unmasked columns MUST still be compared")
	})

	t.Run("assert file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "trial.csv")
		require.NoError(t, os.WriteFile(path, []byte("0,72\n"), 0o644))
		assert.True(t, NewTextAsserter(t).AssertFile(path, "0,72\n"))

		rt := &recordingT{}
		assert.False(t, NewTextAsserter(rt).AssertFile(filepath.Join(path, "missing"), ""))
		assert.Len(t, rt.errors, 1)
	})

	t.Run("unified diff on mismatch", func(t *testing.T) {
		rt := &recordingT{}
		assert.False(t, NewTextAsserter(rt).Assert("0,72\n", "0,73\n"))
		if assert.Len(t, rt.errors, 1) {
			assert.Contains(t, rt.errors[0], "-0,73")
			assert.Contains(t, rt.errors[0], "+0,72")
		}
	})

	t.Run("colored diff shows whitespace", func(t *testing.T) {
		diff := NewTextAsserter(t).WithOptions(WithEnableColors(true)).Diff("a b\n", "a  b\n")
		assert.True(t, strings.Contains(diff, "a··b"), "colored diff MUST make spaces visible")
	})
}
