package logger

import (
	"io"
	"os"
)

var (
	FlagVerboseCount int  // -V, -VV
	FlagQuiet        bool // --quiet/-q
	FlagSilent       bool // --silent/-s
	FlagJSON         bool // --json, for journald and CI
)

// ConfigureLoggerFromFlags applies the CLI verbosity flags on top of the
// level read from the configuration file. Flags win.
func ConfigureLoggerFromFlags(fileLevel string, fileJSON bool) {
	var out io.Writer = os.Stdout
	level := fileLevel
	switch {
	case FlagQuiet:
		level = "error"
	case FlagSilent:
		level = "error"
		out = io.Discard
	case FlagVerboseCount > 0:
		level = "debug"
	case level == "":
		level = "info"
	}

	jsonOut := FlagJSON || fileJSON
	Configure(Options{
		Level: level,
		JSON:  jsonOut,
		Color: !jsonOut,
		Out:   out,
	})
}
