package util

import (
	"context"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// Command prepares name with args as a child process bound to ctx.
func Command(ctx context.Context, name string, args ...string) *exec.Cmd {
	logrus.Tracef("EXEC: %v %v", name, strings.Join(args, " "))

	return exec.CommandContext(ctx, name, args...)
}
