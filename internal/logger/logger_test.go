package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitStatus_TracksWorstSeverity(t *testing.T) {
	UseTestMode()
	Reset()
	t.Cleanup(Reset)

	assert.Equal(t, StatusOK, ExitStatus())

	Info("nothing to see")
	assert.Equal(t, StatusOK, ExitStatus())

	Warn("resource %s changed", "parcels")
	assert.Equal(t, StatusWarning, ExitStatus())

	LogError("edit failed")
	assert.Equal(t, StatusError, ExitStatus())

	Warn("later warning does not lower the status")
	assert.Equal(t, StatusError, ExitStatus())

	Critical("rollback failed")
	assert.Equal(t, StatusCritical, ExitStatus())
}

func TestDigest_CapturesWarningsAndAbove(t *testing.T) {
	var buf bytes.Buffer
	Configure(Options{Level: "error", Out: &buf})
	Reset()
	t.Cleanup(func() {
		Reset()
		UseTestMode()
	})

	Info("info line")
	Debug("debug line")
	Warn("warn line 100%%")
	LogError("error line")

	d := Digest()
	assert.NotContains(t, d, "info line")
	assert.NotContains(t, d, "debug line")
	assert.Contains(t, d, "warn line 100%")
	assert.Contains(t, d, "error line")
	assert.Contains(t, d, "WARN")

	// Console only shows errors at this level.
	assert.NotContains(t, buf.String(), "warn line")
	assert.Contains(t, buf.String(), "error line")
}

func TestSetLevel_DoesNotDeadlock(t *testing.T) {
	var buf bytes.Buffer
	Configure(Options{Level: "info", Out: &buf})
	t.Cleanup(UseTestMode)

	SetLevel("debug")
	Debug("visible now")
	require.True(t, strings.Contains(buf.String(), "visible now"))
}

func TestConfigureLoggerFromFlags_QuietWins(t *testing.T) {
	t.Cleanup(func() {
		FlagQuiet = false
		UseTestMode()
	})
	FlagQuiet = true
	ConfigureLoggerFromFlags("debug", false)
	assert.Equal(t, "error", curLevel.String())
}
