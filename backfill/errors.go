package backfill

import "fmt"

// ConfigError reports a source configuration that can never make progress,
// such as a start block beyond the chain head. It is fatal: retrying cannot
// help, the configuration has to change.
type ConfigError struct {
	Source string
	Msg    string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration for source %s: %s", e.Source, e.Msg)
}
