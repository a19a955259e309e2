package testutils

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// recordingT captures asserter failures instead of failing the test.
type recordingT struct {
	errors []string
}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.errors = append(r.errors, fmt.Sprintf(format, args...))
}

func TestTextAsserter_DefaultOptions(t *testing.T) {
	ta := NewTextAsserter(t)

	assert.True(t, ta.options.TrimSpace, "TrimSpace MUST default to true")
	assert.True(t, ta.options.IgnoreTrailingWhitespace, "IgnoreTrailingWhitespace MUST default to true")
	assert.False(t, ta.options.IgnoreEmptyLines)
	assert.False(t, ta.options.EnableColors)
}

func TestTextAsserter_Normalization(t *testing.T) {
	rec := &recordingT{}

	assert.True(t, NewTextAsserter(rec).Assert("\n  a  \nb\t\n", "  a\nb"))
	assert.False(t, NewTextAsserter(rec).Assert("a\n\nb", "a\nb"), "empty lines MUST count by default")
	assert.True(t, NewTextAsserter(rec, WithIgnoreEmptyLines(true)).Assert("a\n\nb", "a\nb"))
	assert.False(t, NewTextAsserter(rec, WithTrimSpace(false)).Assert("\na", "a"))

	assert.Len(t, rec.errors, 2)
}

func TestTextAsserter_Diff(t *testing.T) {
	diff := NewTextAsserter(t).Diff("one\nTWO\nthree", "one\ntwo\nthree")

	assert.Contains(t, diff, "--- expected")
	assert.Contains(t, diff, "+++ actual")
	assert.Contains(t, diff, "-two")
	assert.Contains(t, diff, "+TWO")

	colored := NewTextAsserter(t, WithEnableColors(true)).Diff("a b", "a c")
	assert.Contains(t, colored, "\x1b[", "colored diff MUST carry ANSI escapes")
	assert.Contains(t, colored, "a·c", "changed lines MUST make spaces visible")
}

func TestJSONAsserter(t *testing.T) {
	t.Run("key order and extra keys", func(t *testing.T) {
		ja := NewJSONAsserter(t)
		assert.Empty(t, ja.Diff(`{"b": 2, "a": 1, "extra": true}`, `{"a": 1, "b": 2}`))
	})

	t.Run("strict extra keys", func(t *testing.T) {
		ja := NewJSONAsserter(t, WithIgnoreExtraKeys(false))
		assert.NotEmpty(t, ja.Diff(`{"a": 1, "extra": true}`, `{"a": 1}`))
	})

	t.Run("presence placeholder", func(t *testing.T) {
		ja := NewJSONAsserter(t)
		assert.Empty(t, ja.Diff(`{"at": "2024-05-01T12:00:00Z", "n": 1}`, `{"at": "<<PRESENCE>>", "n": 1}`))
		assert.NotEmpty(t, ja.Diff(`{"n": 1}`, `{"at": "<<PRESENCE>>", "n": 1}`), "placeholder MUST require the key")
	})

	t.Run("root arrays", func(t *testing.T) {
		ja := NewJSONAsserter(t)
		assert.Empty(t, ja.Diff(`[{"a": 1, "x": 0}, {"a": 2}]`, `[{"a": 1}, {"a": 2}]`))
		assert.NotEmpty(t, ja.Diff(`[{"a": 2}, {"a": 1}]`, `[{"a": 1}, {"a": 2}]`), "array order MUST matter")
	})

	t.Run("ignored fields", func(t *testing.T) {
		ja := NewJSONAsserter(t, WithIgnoredFields("ts"), WithIgnoreExtraKeys(false))
		assert.Empty(t, ja.Diff(`{"a": {"ts": 1, "v": 2}}`, `{"a": {"ts": 9, "v": 2}}`))
	})

	t.Run("invalid input", func(t *testing.T) {
		rec := &recordingT{}
		assert.False(t, NewJSONAsserter(rec).Assert(`{`, `{}`))
		assert.Contains(t, rec.errors[0], "invalid actual JSON")
	})
}

func TestMustJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, MustJSON(map[string]int{"a": 1}))
	assert.Panics(t, func() { MustJSON(func() {}) })
}
