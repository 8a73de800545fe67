package testutils

import (
	"fmt"
	"strings"
	"testing"

	"github.com/srg/linkmgr/pkg/transport"
	"github.com/stretchr/testify/assert"
)

// recordingT captures assertion failures instead of failing the test.
type recordingT struct {
	failures []string
}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.failures = append(r.failures, fmt.Sprintf(format, args...))
}

func TestJSONAsserter(t *testing.T) {
	tests := []struct {
		name     string
		opts     []Option
		actual   string
		expected string
		pass     bool
	}{
		{
			name:     "identical objects",
			actual:   `{"a":1,"b":"x"}`,
			expected: `{"b":"x","a":1}`,
			pass:     true,
		},
		{
			name:     "extra keys are ignored by default",
			actual:   `{"a":1,"extra":true}`,
			expected: `{"a":1}`,
			pass:     true,
		},
		{
			name:     "extra keys fail when not ignored",
			opts:     []Option{WithIgnoreExtraKeys(false)},
			actual:   `{"a":1,"extra":true}`,
			expected: `{"a":1}`,
		},
		{
			name:     "value mismatch",
			actual:   `{"a":1}`,
			expected: `{"a":2}`,
		},
		{
			name:     "presence placeholder matches any value",
			actual:   `{"handle":17,"name":"x"}`,
			expected: `{"handle":"<<PRESENCE>>","name":"x"}`,
			pass:     true,
		},
		{
			name:     "presence placeholder requires the key",
			actual:   `{"name":"x"}`,
			expected: `{"handle":"<<PRESENCE>>","name":"x"}`,
		},
		{
			name:     "root arrays are compared",
			actual:   `[{"a":1},{"a":2}]`,
			expected: `[{"a":1},{"a":2}]`,
			pass:     true,
		},
		{
			name:     "array order matters by default",
			actual:   `[{"a":2},{"a":1}]`,
			expected: `[{"a":1},{"a":2}]`,
		},
		{
			name:     "array order ignored",
			opts:     []Option{WithIgnoreArrayOrder(true)},
			actual:   `[{"a":2},{"a":1}]`,
			expected: `[{"a":1},{"a":2}]`,
			pass:     true,
		},
		{
			name:     "ignored fields do not affect ordering",
			opts:     []Option{WithIgnoreArrayOrder(true), WithIgnoredFields("handle")},
			actual:   `[{"handle":9,"a":2},{"handle":1,"a":1}]`,
			expected: `[{"handle":1,"a":1},{"handle":2,"a":2}]`,
			pass:     true,
		},
		{
			name:     "invalid actual",
			actual:   `{`,
			expected: `{}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingT{}
			NewJSONAsserter(rec).WithOptions(tt.opts...).Assert(tt.actual, tt.expected)
			if tt.pass {
				assert.Empty(t, rec.failures)
			} else {
				assert.Len(t, rec.failures, 1)
			}
		})
	}
}

func TestJSONAsserter_AssertDevices(t *testing.T) {
	rec := &recordingT{}
	ja := NewJSONAsserter(rec)

	ja.AssertDevices(nil, `[]`)
	ja.AssertDevices([]transport.DeviceInfo{{Handle: 3, Address: "loop-1", Name: "Echo", ConnectionType: "loopback"}},
		`[{"handle":"<<PRESENCE>>","address":"loop-1","connection_type":"loopback"}]`)
	assert.Empty(t, rec.failures)

	ja.AssertDevices(nil, `[{"address":"loop-1"}]`)
	assert.Len(t, rec.failures, 1)
}

func TestTextAsserter(t *testing.T) {
	tests := []struct {
		name     string
		opts     []TextOption
		actual   string
		expected string
		pass     bool
	}{
		{
			name:     "identical",
			actual:   "a\nb\n",
			expected: "a\nb\n",
			pass:     true,
		},
		{
			name:     "differing line",
			actual:   "a\nc\n",
			expected: "a\nb\n",
		},
		{
			name:     "trim space",
			opts:     []TextOption{WithTrimSpace(true)},
			actual:   "\n  a\nb  \n\n",
			expected: "a\nb",
			pass:     true,
		},
		{
			name:     "trailing whitespace",
			opts:     []TextOption{WithIgnoreTrailingWhitespace(true)},
			actual:   "a   \nb\t",
			expected: "a\nb",
			pass:     true,
		},
		{
			name:     "empty lines",
			opts:     []TextOption{WithIgnoreEmptyLines(true)},
			actual:   "a\n\n\nb",
			expected: "a\nb",
			pass:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingT{}
			NewTextAsserter(rec).WithOptions(tt.opts...).Assert(tt.actual, tt.expected)
			if tt.pass {
				assert.Empty(t, rec.failures)
			} else {
				assert.Len(t, rec.failures, 1)
			}
		})
	}
}

func TestTextAsserter_DiffIsUnified(t *testing.T) {
	rec := &recordingT{}
	NewTextAsserter(rec).Assert("one\ntwo\n", "one\nthree\n")

	if assert.Len(t, rec.failures, 1) {
		msg := rec.failures[0]
		assert.True(t, strings.Contains(msg, "--- expected"), "diff MUST name the expected side")
		assert.True(t, strings.Contains(msg, "-three"))
		assert.True(t, strings.Contains(msg, "+two"))
	}

	rec = &recordingT{}
	NewTextAsserter(rec).WithOptions(WithEnableColors(true)).Assert("a b\n", "a  b\n")
	if assert.Len(t, rec.failures, 1) {
		assert.Contains(t, rec.failures[0], "\x1b[", "colored diff MUST contain escape codes")
		assert.Contains(t, rec.failures[0], "·", "whitespace MUST be made visible")
	}
}
