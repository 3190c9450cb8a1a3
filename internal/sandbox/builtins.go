package sandbox

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// installBuiltins wires the console, date helpers, base64, and UUID
// utilities spec.md §4.E/§4.M names, and disables eval/wasm-style dynamic
// code generation the way the teacher's sandbox never exposed a fetch that
// did real I/O — here there is no fetch at all.
func installBuiltins(vm *goja.Runtime, logs *[]string, logger *logrus.Entry) error {
	console := vm.NewObject()
	logFn := func(level string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			args := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				args[i] = arg.String()
			}
			line := fmt.Sprint(args)
			*logs = append(*logs, line)
			if logger != nil {
				switch level {
				case "error":
					logger.Error(line)
				case "warn":
					logger.Warn(line)
				default:
					logger.Debug(line)
				}
			}
			return goja.Undefined()
		}
	}
	_ = console.Set("log", logFn("log"))
	_ = console.Set("warn", logFn("warn"))
	_ = console.Set("error", logFn("error"))
	if err := vm.Set("console", console); err != nil {
		return err
	}

	dateHelpers := vm.NewObject()
	_ = dateHelpers.Set("now", func() int64 { return time.Now().UTC().UnixMilli() })
	_ = dateHelpers.Set("parseDate", func(s string) (int64, bool) {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return 0, false
		}
		return t.UnixMilli(), true
	})
	_ = dateHelpers.Set("formatDate", func(ms int64, layout string) string {
		if layout == "" {
			layout = time.RFC3339
		}
		return time.UnixMilli(ms).UTC().Format(goLayoutFromToken(layout))
	})
	_ = dateHelpers.Set("addDays", func(ms int64, n int) int64 { return time.UnixMilli(ms).AddDate(0, 0, n).UnixMilli() })
	_ = dateHelpers.Set("addHours", func(ms int64, n int) int64 { return time.UnixMilli(ms).Add(time.Duration(n) * time.Hour).UnixMilli() })
	_ = dateHelpers.Set("addMinutes", func(ms int64, n int) int64 { return time.UnixMilli(ms).Add(time.Duration(n) * time.Minute).UnixMilli() })
	_ = dateHelpers.Set("startOfDay", func(ms int64) int64 {
		t := time.UnixMilli(ms).UTC()
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).UnixMilli()
	})
	_ = dateHelpers.Set("endOfDay", func(ms int64) int64 {
		t := time.UnixMilli(ms).UTC()
		return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 999_000_000, time.UTC).UnixMilli()
	})
	_ = dateHelpers.Set("toTimestamp", func(ms int64) int64 { return ms })
	if err := vm.Set("date", dateHelpers); err != nil {
		return err
	}

	if err := vm.Set("base64Encode", func(s string) string {
		return base64.StdEncoding.EncodeToString([]byte(s))
	}); err != nil {
		return err
	}
	if err := vm.Set("base64Decode", func(s string) (string, error) {
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}); err != nil {
		return err
	}
	if err := vm.Set("generateUUID", func() string { return uuid.NewString() }); err != nil {
		return err
	}

	// Deny the dynamic-code-generation and I/O surfaces the spec calls out:
	// no eval, no fetch, no timers that could be used to dodge the CPU cap.
	denied := []string{"eval", "Function", "fetch", "setTimeout", "setInterval", "require", "process", "global", "globalThis"}
	for _, name := range denied {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return err
		}
	}
	// Redefine as non-writable so user scripts can't rebind them either.
	for _, name := range denied {
		_ = vm.GlobalObject().DefineDataProperty(name, goja.Undefined(), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE)
	}

	return nil
}

// goLayoutFromToken accepts either a Go reference layout already, or falls
// back to RFC3339 — scripts are expected to pass Go-style layouts since the
// sandbox has no moment.js-style token parser.
func goLayoutFromToken(layout string) string {
	if layout == "" {
		return time.RFC3339
	}
	return layout
}
