package opscli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// Exit codes for settlectl.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // The operation ran but the outcome is not good (failed payment, failed cancellations)
	ExitCommandError = 2 // Bad flags, config or storage errors
)

// ExitError carries the process exit code for an error.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates an ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from err, defaulting to ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// response is the JSON envelope for --format json.
type response struct {
	Status string `json:"status"` // "ok" or "error"
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// printer writes command results as text or a JSON envelope.
type printer struct {
	json    bool
	verbose bool
	out     io.Writer
	errOut  io.Writer
}

func newPrinter(cmd *cobra.Command, opts *RootOptions) *printer {
	return &printer{
		json:    opts.Format == "json",
		verbose: opts.Verbose,
		out:     cmd.OutOrStdout(),
		errOut:  cmd.ErrOrStderr(),
	}
}

// result prints data. In text mode it calls text instead of encoding data.
func (p *printer) result(data any, text func(w io.Writer)) error {
	if p.json {
		return json.NewEncoder(p.out).Encode(response{Status: "ok", Data: data})
	}
	text(p.out)
	return nil
}

// failure prints data as an error envelope and returns err for the exit code.
func (p *printer) failure(data any, err *ExitError, text func(w io.Writer)) error {
	if p.json {
		if encErr := json.NewEncoder(p.out).Encode(response{Status: "error", Data: data, Error: err.Error()}); encErr != nil {
			return encErr
		}
		return err
	}
	text(p.out)
	return err
}

// logf writes diagnostics to stderr when --verbose is set.
func (p *printer) logf(format string, args ...any) {
	if !p.verbose {
		return
	}
	fmt.Fprintf(p.errOut, format+"\n", args...)
}
