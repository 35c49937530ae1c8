package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/edrgo/edr/solidity/runner"
	"github.com/edrgo/edr/stacktrace"
)

// reporter prints suites as they finish. Suites finish concurrently, so
// every write holds mu.
type reporter struct {
	mu      sync.Mutex
	w       io.Writer
	verbose bool

	suites  int
	passed  int
	failed  int
	skipped int
}

func newReporter(w io.Writer, verbose bool) *reporter {
	return &reporter{w: w, verbose: verbose}
}

func (r *reporter) suite(s *runner.SuiteResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.suites++
	fmt.Fprintf(r.w, "\nRan %d test(s) for %s\n", len(s.Tests), s.Contract)
	for _, w := range s.Warnings {
		fmt.Fprintf(r.w, "Warning: %s\n", w)
	}
	for _, t := range s.Tests {
		fmt.Fprintln(r.w, t.Summary())
		if len(t.Logs) > 0 && (r.verbose || t.Status == runner.Failure) {
			fmt.Fprintln(r.w, "Logs:")
			for _, l := range t.Logs {
				fmt.Fprintf(r.w, "  %s\n", l)
			}
		}
		if t.Trace != nil {
			r.trace(t.Trace)
		}
	}
	pass, fail, skip := s.Count(runner.Success), s.Count(runner.Failure), s.Count(runner.Skipped)
	r.passed += pass
	r.failed += fail
	r.skipped += skip
	result := "ok"
	if fail > 0 {
		result = "FAILED"
	}
	fmt.Fprintf(r.w, "Suite result: %s. %d passed; %d failed; %d skipped; finished in %s\n",
		result, pass, fail, skip, s.Elapsed.Round(time.Microsecond))
}

func (r *reporter) trace(t *runner.StackTrace) {
	switch {
	case t.UnsafeToReplay && len(t.Impure) > 0:
		fmt.Fprintf(r.w, "Stack trace unavailable: the test uses impure cheatcodes (%s)\n", strings.Join(t.Impure, ", "))
	case t.UnsafeToReplay:
		fmt.Fprintln(r.w, "Stack trace unavailable: the fork is not pinned to a block")
	case t.Error != "":
		fmt.Fprintf(r.w, "Stack trace unavailable: %s\n", t.Error)
	case len(t.Entries) > 0:
		fmt.Fprintln(r.w, "Stack trace:")
		fmt.Fprintln(r.w, stacktrace.Format(t.Entries))
	}
}

// summary prints the totals of every suite reported so far.
func (r *reporter) summary(elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "\nRan %d test suite(s) in %s: %d tests passed, %d failed, %d skipped (%d total tests)\n",
		r.suites, elapsed.Round(time.Millisecond), r.passed, r.failed, r.skipped, r.passed+r.failed+r.skipped)
}
