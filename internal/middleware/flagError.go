package middleware

import (
	"errors"

	"github.com/con-j-e/featsync/internal/errs"
	"github.com/con-j-e/featsync/internal/logger"
)

// ErrLogged tells the entry point the failure has been reported already.
var ErrLogged = errors.New("already logged")

// FlagComboError logs a usage error for an invalid argument or flag
// combination and returns ErrLogged. It does not raise the exit status
// above what LogError records.
func FlagComboError(code errs.Code, a ...any) error {
	logger.LogError("%s", errs.Msg(code, a...))
	logger.Debug("usage error %s", code)
	return ErrLogged
}
