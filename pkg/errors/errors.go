/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package errors defines the process exit codes the CI wrappers key off,
// and the error type that carries them out of a stage.
package errors

import (
	"errors"
	"fmt"
)

// Exit codes are part of the external contract; the job wrappers branch on
// them to decide between "retry", "fix your input" and "page someone".
const (
	ExitOK           = 0
	ExitMissingInput = 1
	ExitInvalidInput = 2
	ExitClientInit   = 4
	ExitUnreachable  = 5
	ExitRBACDenied   = 6
)

// ExitError wraps a stage failure with the exit code main should return.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WithCode attaches an exit code to err. A nil err returns nil so call sites
// can wrap unconditionally.
func WithCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &ExitError{Code: code, Err: err}
}

// MissingInput reports a required input that was not provided.
func MissingInput(format string, args ...interface{}) error {
	return &ExitError{Code: ExitMissingInput, Err: fmt.Errorf(format, args...)}
}

// InvalidInput reports input that was provided but failed validation.
func InvalidInput(format string, args ...interface{}) error {
	return &ExitError{Code: ExitInvalidInput, Err: fmt.Errorf(format, args...)}
}

// CodeOf extracts the exit code for err, defaulting to 1 for errors that
// never declared one.
func CodeOf(err error) int {
	if err == nil {
		return ExitOK
	}
	exitErr := &ExitError{}
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitMissingInput
}
