package config

import "fmt"

// ConfigurationError reports a missing collaborator or setting detected before
// any chunk is processed.
type ConfigurationError struct {
	Setting string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Setting == "" {
		return fmt.Sprintf("configuration: %v", e.Err)
	}
	return fmt.Sprintf("configuration %s: %v", e.Setting, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Errorf builds a ConfigurationError for setting.
func Errorf(setting, format string, args ...any) error {
	return &ConfigurationError{Setting: setting, Err: fmt.Errorf(format, args...)}
}
