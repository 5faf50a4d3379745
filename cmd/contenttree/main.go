// Command contenttree administers a content forest: it creates, moves,
// reorders and deletes nodes, delivers assembled trees, checks and repairs
// sibling chains, and exports snapshots to blob storage.
package main

import (
	"context"
	"errors"
	"fmt"
	"modulacms/pkg/domain"
	"os"
	"os/signal"
	"syscall"
)

var exitFunc = os.Exit

// Exit codes.
const (
	exitOK        = 0
	exitFailure   = 1
	exitUsage     = 2 // bad arguments or a rejected request
	exitNotFound  = 3
	exitConflict  = 4
	exitIntegrity = 5
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	exitFunc(code)
}

func run(ctx context.Context, args []string) int {
	if err := execute(ctx, os.Stdout, os.Stderr, args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitCode(err)
	}
	return exitOK
}

var errUsage = errors.New("usage")

func exitCode(err error) int {
	var rv domain.RuleViolationError
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage),
		errors.Is(err, domain.ErrInvalidPosition),
		errors.Is(err, domain.ErrInvalidReorderSet),
		errors.Is(err, domain.ErrCycleDetected) && !domain.IsInvariantViolation(err),
		errors.Is(err, domain.ErrStructuralChange),
		errors.Is(err, domain.ErrAlreadyExists):
		return exitUsage
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrParentNotFound):
		return exitNotFound
	case errors.Is(err, domain.ErrConcurrentModification):
		return exitConflict
	case domain.IsInvariantViolation(err), errors.As(err, &rv), errors.Is(err, errIntegrity):
		return exitIntegrity
	}
	return exitFailure
}
