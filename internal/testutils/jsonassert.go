package testutils

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mcuadros/go-defaults"
	"github.com/srg/linkmgr/pkg/transport"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// PresencePlaceholder in expected JSON matches any actual value, as long as the key exists.
const PresencePlaceholder = "<<PRESENCE>>"

func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

type JSONAssertOptions struct {
	IgnoreExtraKeys  bool `default:"true"`
	IgnoreArrayOrder bool `default:"false"`
	IgnoredFields    []string
}

// Option is a functional option for configuring JSONAsserter
type Option func(*JSONAssertOptions)

func WithIgnoreExtraKeys(ignore bool) Option {
	return func(o *JSONAssertOptions) { o.IgnoreExtraKeys = ignore }
}

func WithIgnoreArrayOrder(ignore bool) Option {
	return func(o *JSONAssertOptions) { o.IgnoreArrayOrder = ignore }
}

// WithIgnoredFields drops the named keys at every depth before comparing.
func WithIgnoredFields(fields ...string) Option {
	return func(o *JSONAssertOptions) { o.IgnoredFields = fields }
}

type JSONAsserter struct {
	t       TestingT
	options JSONAssertOptions
}

func NewJSONAsserter(t TestingT) *JSONAsserter {
	opts := JSONAssertOptions{}
	defaults.SetDefaults(&opts)
	return &JSONAsserter{t: t, options: opts}
}

func (ja *JSONAsserter) WithOptions(opts ...Option) *JSONAsserter {
	for _, opt := range opts {
		opt(&ja.options)
	}
	return ja
}

// Assert compares actualJSON against expectedJSON
func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) {
	if diff := ja.diff(actualJSON, expectedJSON); diff != "" {
		ja.t.Errorf("JSON assertion failed:\n%s", diff)
	}
}

// AssertDevices compares a device list against expectedJSON.
func (ja *JSONAsserter) AssertDevices(devices []transport.DeviceInfo, expectedJSON string) {
	if devices == nil {
		devices = []transport.DeviceInfo{}
	}
	ja.Assert(MustJSON(devices), expectedJSON)
}

func (ja *JSONAsserter) diff(actualJSON, expectedJSON string) string {
	var expected, actual any
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff only compares objects at the root.
	if isArray(expected) && isArray(actual) {
		expected = map[string]any{"array": expected}
		actual = map[string]any{"array": actual}
	}

	fillPresence(expected, actual)
	// Ignored fields go before sorting so they cannot affect element order.
	if len(ja.options.IgnoredFields) > 0 {
		dropFields(expected, ja.options.IgnoredFields)
		dropFields(actual, ja.options.IgnoredFields)
	}
	if ja.options.IgnoreArrayOrder {
		sortArrays(expected)
		sortArrays(actual)
	}
	if ja.options.IgnoreExtraKeys {
		pruneExtraKeys(actual, expected)
	}

	expectedBytes, _ := json.Marshal(expected)
	actualBytes, _ := json.Marshal(actual)

	diff, err := gojsondiff.New().Compare(expectedBytes, actualBytes)
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	if !diff.Modified() {
		return ""
	}

	f := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{ShowArrayIndex: true})
	out, _ := f.Format(diff)
	return out
}

func fillPresence(expected, actual any) {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return
		}
		for k, v := range exp {
			if s, ok := v.(string); ok && s == PresencePlaceholder {
				if av, present := act[k]; present {
					exp[k] = av
				}
				continue
			}
			fillPresence(v, act[k])
		}
	case []any:
		act, ok := actual.([]any)
		if !ok {
			return
		}
		for i := range exp {
			if i < len(act) {
				fillPresence(exp[i], act[i])
			}
		}
	}
}

func dropFields(data any, fields []string) {
	switch v := data.(type) {
	case map[string]any:
		for _, f := range fields {
			delete(v, f)
		}
		for _, child := range v {
			dropFields(child, fields)
		}
	case []any:
		for _, child := range v {
			dropFields(child, fields)
		}
	}
}

// pruneExtraKeys removes keys of actual that expected does not mention.
func pruneExtraKeys(actual, expected any) {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return
		}
		for k := range act {
			if _, exists := exp[k]; !exists {
				delete(act, k)
			}
		}
		for k := range exp {
			pruneExtraKeys(act[k], exp[k])
		}
	case []any:
		act, ok := actual.([]any)
		if !ok {
			return
		}
		for i := range exp {
			if i < len(act) {
				pruneExtraKeys(act[i], exp[i])
			}
		}
	}
}

func isArray(v any) bool {
	_, ok := v.([]any)
	return ok
}

// sortArrays orders every array by the JSON encoding of its elements.
func sortArrays(data any) {
	switch v := data.(type) {
	case map[string]any:
		for _, child := range v {
			sortArrays(child)
		}
	case []any:
		for _, elem := range v {
			sortArrays(elem)
		}
		sort.Slice(v, func(i, j int) bool {
			a, _ := json.Marshal(v[i])
			b, _ := json.Marshal(v[j])
			return string(a) < string(b)
		})
	}
}
