package rules

import "fmt"

// ConfigError wraps a malformed configuration record. It is never fatal:
// the offending record is discarded and loading continues.
type ConfigError struct {
	Line int
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config line %d: %v", e.Line, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
