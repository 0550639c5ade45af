package shell

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sharifconnect/sharifconnect/pkg/log"
)

// Runner runs one OS command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec. The context bounds the process;
// when it expires the process is killed.
type ExecRunner struct {
	Debug  bool
	Logger *zap.SugaredLogger
	// Redact lists argument values replaced with *** in debug logs, on top
	// of those attached with WithRedact. Errors never carry arguments.
	Redact []string
}

type redactKey struct{}

// WithRedact marks secrets that must not appear in logs of commands run with ctx.
func WithRedact(ctx context.Context, secrets ...string) context.Context {
	prev, _ := ctx.Value(redactKey{}).([]string)
	return context.WithValue(ctx, redactKey{}, append(append([]string(nil), prev...), secrets...))
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	logger := log.OrNop(r.Logger)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = 500 * time.Millisecond
	hideWindow(cmd)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if r.Debug {
		secrets, _ := ctx.Value(redactKey{}).([]string)
		logger.Debugw("exec", "cmd", name, "args", redact(args, append(secrets, r.Redact...)))
	}
	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return out.Bytes(), fmt.Errorf("%s: %w", name, ctx.Err())
		}
		if msg := lastLine(out.Bytes()); msg != "" {
			return out.Bytes(), fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return out.Bytes(), fmt.Errorf("%s: %w", name, err)
	}
	return out.Bytes(), nil
}

// redact masks arguments equal to a secret, and the value of key=value pairs
// (also inside comma separated lists) whose value equals a secret. Other text
// is left alone, so a short secret never mangles unrelated words.
func redact(args, secrets []string) []string {
	set := make(map[string]bool, len(secrets))
	for _, s := range secrets {
		if s != "" {
			set[s] = true
		}
	}
	if len(set) == 0 {
		return args
	}
	out := make([]string, len(args))
	for i, a := range args {
		if set[a] {
			out[i] = "***"
			continue
		}
		parts := strings.Split(a, ",")
		for j, p := range parts {
			if k, v, ok := strings.Cut(p, "="); ok && set[v] {
				parts[j] = k + "=***"
			}
		}
		out[i] = strings.Join(parts, ",")
	}
	return out
}

func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
