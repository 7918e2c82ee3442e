package fsm

import (
	"fmt"

	"github.com/instanalytics/installer/pkg/i18n"
)

// ExitCode describes how the prerequisite installer's exit code is read.
type ExitCode struct {
	Code    int    `mapstructure:"code"`
	Success bool   `mapstructure:"success"`
	Message string `mapstructure:"message"`
}

// ExitCodeTable lists the exit codes with a known meaning. Codes not in the
// table are failures.
type ExitCodeTable []ExitCode

// DefaultExitCodes follows the Windows Installer conventions the .NET SDK
// bootstrapper uses.
var DefaultExitCodes = ExitCodeTable{
	{Code: 0, Success: true},
	{Code: 3010, Success: true, Message: i18n.MsgRestartRequired},
	{Code: 1641, Success: true, Message: i18n.MsgRestartInitiated},
	{Code: 1638, Success: true, Message: i18n.MsgAlreadySatisfied},
}

// Lookup returns the entry for code.
func (t ExitCodeTable) Lookup(code int) (ExitCode, bool) {
	for _, e := range t {
		if e.Code == code {
			return e, true
		}
	}
	return ExitCode{}, false
}

// Accepts reports whether code means the install succeeded.
func (t ExitCodeTable) Accepts(code int) bool {
	e, ok := t.Lookup(code)
	return ok && e.Success
}

// Validate rejects duplicate codes and a table where 0 is not a success.
func (t ExitCodeTable) Validate() error {
	seen := make(map[int]bool, len(t))
	for _, e := range t {
		if seen[e.Code] {
			return fmt.Errorf("duplicate exit code %d", e.Code)
		}
		seen[e.Code] = true
	}
	if !t.Accepts(0) {
		return fmt.Errorf("exit code 0 must be listed as success")
	}
	return nil
}
