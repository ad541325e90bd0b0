package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/khryptorgraphics/p2pconnect/pkg/config"
)

// ValidationError reports one invalid field, mirroring the shape the
// teacher's node-config validator collected errors in.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s (value: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every ValidationError found in one pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	messages := make([]string, len(e))
	for i, err := range e {
		messages[i] = err.Error()
	}
	return fmt.Sprintf("multiple validation errors: %s", strings.Join(messages, "; "))
}

// Validate checks a loaded config.Config for internal consistency.
// Unlike the teacher's directory-creating validator, a connectivity
// library has no on-disk state of its own beyond the optional nonce
// cache, so this only rejects values that would make a component fail
// to construct.
func Validate(c *config.Config) error {
	var errs ValidationErrors

	if c.Listen == "" {
		errs = append(errs, ValidationError{Field: "listen", Value: c.Listen, Message: "listen address is required"})
	} else if !isValidListenAddress(c.Listen) {
		errs = append(errs, ValidationError{Field: "listen", Value: c.Listen, Message: "invalid host:port"})
	}

	if _, err := c.STUN.Pattern(); err != nil {
		errs = append(errs, ValidationError{Field: "stun.request_pattern", Value: c.STUN.RequestPattern, Message: err.Error()})
	}

	for i, uri := range c.TURN.URIs {
		if !strings.HasPrefix(uri, "turn:") && !strings.HasPrefix(uri, "turns:") {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("turn.uris[%d]", i),
				Value:   uri,
				Message: "must begin with turn: or turns:",
			})
		}
	}
	if len(c.TURN.URIs) > 0 && c.TURN.Username == "" {
		errs = append(errs, ValidationError{Field: "turn.username", Value: c.TURN.Username, Message: "required when turn.uris is non-empty"})
	}

	if c.RUDP.SendWindow <= 0 {
		errs = append(errs, ValidationError{Field: "rudp.send_window", Value: c.RUDP.SendWindow, Message: "must be positive"})
	}
	if c.RUDP.InitialCwnd <= 0 || c.RUDP.InitialCwnd > c.RUDP.SendWindow {
		errs = append(errs, ValidationError{Field: "rudp.initial_cwnd", Value: c.RUDP.InitialCwnd, Message: "must be positive and no larger than send_window"})
	}

	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	if !contains(validLevels, c.Logging.Level) {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func isValidListenAddress(addr string) bool {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host != "" && host != "0.0.0.0" && host != "localhost" && net.ParseIP(host) == nil {
		return false
	}
	n, err := strconv.Atoi(port)
	return err == nil && n >= 0 && n <= 65535
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
