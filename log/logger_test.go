package log

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(debugOverride bool) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	ll := logrus.New()
	ll.SetOutput(&buf)
	ll.SetLevel(logrus.InfoLevel)
	return New(ll, debugOverride, nil), &buf
}

func TestLoggerFields(t *testing.T) {
	t.Parallel()

	l, buf := newTestLogger(false)
	l.Infof("Browser:Close", "closing %s", "conn")

	out := buf.String()
	assert.Contains(t, out, "closing conn")
	assert.Contains(t, out, "category=\"Browser:Close\"")
	assert.Contains(t, out, "goroutine=")
}

func TestLoggerLevelGate(t *testing.T) {
	t.Parallel()

	l, buf := newTestLogger(false)
	l.Debugf("cdp:send", "should be dropped")
	assert.Empty(t, buf.String())

	require.NoError(t, l.SetLevel("debug"))
	l.Debugf("cdp:send", "should pass")
	assert.Contains(t, buf.String(), "should pass")
}

func TestLoggerDebugOverride(t *testing.T) {
	t.Parallel()

	// Override prints debug lines even when the level would drop them.
	l, buf := newTestLogger(true)
	l.Debugf("cdp:recv", "forced through")
	assert.Contains(t, buf.String(), "forced through")
}

func TestLoggerCategoryFilter(t *testing.T) {
	t.Parallel()

	l, buf := newTestLogger(false)
	require.NoError(t, l.SetCategoryFilter(`^cdp:`))

	l.Infof("Handler", "filtered out")
	assert.Empty(t, buf.String())

	l.Infof("cdp:send", "kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestLoggerInvalidCategoryFilter(t *testing.T) {
	t.Parallel()

	l, _ := newTestLogger(false)
	assert.Error(t, l.SetCategoryFilter(`[`))
}

func TestLoggerSetLevel(t *testing.T) {
	t.Parallel()

	l, _ := newTestLogger(false)
	assert.Error(t, l.SetLevel("nope"))
	require.NoError(t, l.SetLevel("debug"))
	assert.True(t, l.DebugMode())
}

func TestNullLoggerDiscards(t *testing.T) {
	t.Parallel()

	l := NewNullLogger()
	l.Errorf("Handler", "dropped %d", 1)
	assert.False(t, l.DebugMode())
}
