package config

import (
	"fmt"
	"strings"
)

// ValidationError collects every configuration problem found in one pass
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString("invalid configuration:")
	for _, p := range e.Problems {
		sb.WriteString("\n--> ")
		sb.WriteString(p)
	}
	return sb.String()
}

// Validate checks the loaded configuration for values the service cannot run with
func Validate(cfg *Config) error {
	var problems []string

	switch cfg.Database.Type {
	case "postgres", "mysql", "sqlite":
	default:
		problems = append(problems, fmt.Sprintf("database.type %q is not supported", cfg.Database.Type))
	}

	switch cfg.Live.Type {
	case LiveMemory:
	case LiveRedis:
		if cfg.Live.Redis.Addr == "" {
			problems = append(problems, "live.redis.addr is required when live.type is redis")
		}
	default:
		problems = append(problems, fmt.Sprintf("live.type %q is not supported", cfg.Live.Type))
	}

	switch cfg.SSO.RelinkPolicy {
	case RelinkInsert, RelinkUpdate:
	default:
		problems = append(problems, fmt.Sprintf("sso.relink_policy %q must be insert or update", cfg.SSO.RelinkPolicy))
	}

	if cfg.SSO.StateSecret != "" && len(cfg.SSO.StateSecret) < 32 {
		problems = append(problems, "sso.state_secret must be at least 32 characters")
	}

	if cfg.Tick.MaxBackoff < cfg.Tick.FailureBackoff {
		problems = append(problems, "tick.max_backoff must not be lower than tick.failure_backoff")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
