package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
)

const envLogFormat = "CKPTPUB_LOG_FORMAT"

var (
	logFormatOnce sync.Once
	logAsJSON     bool
)

// Info logs a message with key/value fields using a consistent prefix.
func Info(component, msg string, kv ...interface{}) {
	emit("INFO", component, msg, kv...)
}

// Warn logs a recoverable problem, e.g. a failed best-effort cleanup.
func Warn(component, msg string, kv ...interface{}) {
	emit("WARN", component, msg, kv...)
}

// Error logs an error message with key/value fields using a consistent prefix.
func Error(component, msg string, kv ...interface{}) {
	emit("ERROR", component, msg, kv...)
}

func emit(level, component, msg string, kv ...interface{}) {
	if jsonEnabled() {
		log.Print(formatJSON(level, component, msg, kv...))
		return
	}
	prefix := ""
	if level != "INFO" {
		prefix = level + " "
	}
	log.Printf("[%s] %s%s%s", strings.ToUpper(component), prefix, msg, formatFields(kv...))
}

func jsonEnabled() bool {
	logFormatOnce.Do(func() {
		logAsJSON = strings.EqualFold(strings.TrimSpace(os.Getenv(envLogFormat)), "json")
	})
	return logAsJSON
}

func formatJSON(level, component, msg string, kv ...interface{}) string {
	payload := map[string]any{
		"level":     level,
		"component": component,
		"msg":       msg,
	}
	if len(kv)%2 != 0 {
		kv = append(kv, "(missing)")
	}
	for i := 0; i < len(kv); i += 2 {
		key := strings.TrimSpace(toString(kv[i]))
		if key == "" {
			continue
		}
		switch v := kv[i+1].(type) {
		case error:
			payload[key] = v.Error()
		case fmt.Stringer:
			payload[key] = v.String()
		default:
			payload[key] = v
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf(`{"level":%q,"component":%q,"msg":%q}`, level, component, msg)
	}
	return string(data)
}

func formatFields(kv ...interface{}) string {
	if len(kv) == 0 {
		return ""
	}
	if len(kv)%2 != 0 {
		kv = append(kv, "(missing)")
	}
	var b strings.Builder
	b.WriteString(" ")
	for i := 0; i < len(kv); i += 2 {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(strings.TrimSpace(toString(kv[i])))
		b.WriteString("=")
		b.WriteString(toString(kv[i+1]))
	}
	return b.String()
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		return strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(strings.TrimSpace(fmt.Sprintf("%v", t)), "\n", " "), "\t", " "))
	}
}
