package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

const (
	secretPrefix = "secret://"
	envScheme    = "env/"
	fileScheme   = "file/"
	redacted     = "<redacted>"
)

var ErrUnresolved = errors.New("secret reference unresolved")

// IsRef reports whether value is a secret reference rather than a literal.
func IsRef(value string) bool {
	return strings.HasPrefix(strings.TrimSpace(value), secretPrefix)
}

// Resolve returns the literal value for a secret reference. Literals are
// returned unchanged. Supported forms are secret://env/NAME and
// secret://file/PATH; file contents are trimmed of surrounding whitespace.
func Resolve(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, secretPrefix) {
		return value, nil
	}
	ref := strings.TrimPrefix(trimmed, secretPrefix)
	switch {
	case strings.HasPrefix(ref, envScheme):
		name := strings.TrimPrefix(ref, envScheme)
		if name == "" {
			return "", fmt.Errorf("%w: empty env name", ErrUnresolved)
		}
		val, ok := os.LookupEnv(name)
		if !ok || strings.TrimSpace(val) == "" {
			return "", fmt.Errorf("%w: env %s not set", ErrUnresolved, name)
		}
		return strings.TrimSpace(val), nil
	case strings.HasPrefix(ref, fileScheme):
		path := strings.TrimPrefix(ref, fileScheme)
		if path == "" {
			return "", fmt.Errorf("%w: empty file path", ErrUnresolved)
		}
		// #nosec G304 -- secret file path is operator-provided.
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnresolved, err)
		}
		return strings.TrimSpace(string(data)), nil
	default:
		return "", fmt.Errorf("%w: unsupported reference %q", ErrUnresolved, redactRef(ref))
	}
}

// Mask replaces every occurrence of secret inside text.
func Mask(text, secret string) string {
	secret = strings.TrimSpace(secret)
	if secret == "" || text == "" {
		return text
	}
	return strings.ReplaceAll(text, secret, redacted)
}

// Redact returns a printable stand-in for a secret value.
func Redact(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	if IsRef(value) {
		return strings.TrimSpace(value)
	}
	return redacted
}

func redactRef(ref string) string {
	if idx := strings.Index(ref, "/"); idx > 0 {
		return ref[:idx] + "/..."
	}
	return "..."
}
