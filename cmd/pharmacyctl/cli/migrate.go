package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// MigrateFunc applies pending migrations and returns the versions it ran.
type MigrateFunc func(ctx context.Context) ([]string, error)

// MigrateCommand runs migrate and prints the applied versions.
func MigrateCommand(ctx context.Context, migrate MigrateFunc, stdout, stderr io.Writer) int {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	applied, err := migrate(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "migrate: %v\n", err)
		return 1
	}
	if len(applied) == 0 {
		_, _ = fmt.Fprintln(stdout, "schema is up to date")
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "applied %s\n", strings.Join(applied, ", "))
	return 0
}
