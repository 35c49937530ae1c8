package runner

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/edrgo/edr/solidity/artifact"
	"github.com/edrgo/edr/stacktrace"
)

// Status is the verdict of a test.
type Status uint8

const (
	Success Status = iota
	Failure
	Skipped
)

func (s Status) String() string {
	switch s {
	case Success:
		return "PASS"
	case Failure:
		return "FAIL"
	}
	return "SKIP"
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Kind classifies a test by how it is executed.
type Kind uint8

const (
	Unit Kind = iota
	Fuzz
	Invariant
)

func (k Kind) String() string {
	switch k {
	case Fuzz:
		return "fuzz"
	case Invariant:
		return "invariant"
	}
	return "unit"
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Counterexample is the input that made a fuzz or invariant test fail.
type Counterexample struct {
	Calldata hexutil.Bytes `json:"calldata,omitempty"`
	Args     string        `json:"args,omitempty"`
	// Sequence lists the calls of a failing invariant run.
	Sequence []string `json:"sequence,omitempty"`
}

func (c *Counterexample) String() string {
	if len(c.Sequence) > 0 {
		return "[Sequence]\n\t\t" + strings.Join(c.Sequence, "\n\t\t")
	}
	return fmt.Sprintf("calldata=%s args=[%s]", c.Calldata, c.Args)
}

// StackTrace is the Solidity stack trace of a failure, or why it is
// missing.
type StackTrace struct {
	Entries []stacktrace.Entry `json:"entries,omitempty"`
	// UnsafeToReplay is set when the failure was not replayed because the
	// replay could observe a different environment.
	UnsafeToReplay bool `json:"unsafeToReplay,omitempty"`
	// Impure lists the cheatcodes that made the replay unsafe.
	Impure []string `json:"impureCheatcodes,omitempty"`
	// Error is set when the replay itself failed.
	Error string `json:"error,omitempty"`
}

// Result is the outcome of one test function.
type Result struct {
	Name           string          `json:"name"`
	Kind           Kind            `json:"kind"`
	Status         Status          `json:"status"`
	Reason         string          `json:"reason,omitempty"`
	Counterexample *Counterexample `json:"counterexample,omitempty"`
	// Logs holds the decoded console.log lines.
	Logs    []string      `json:"logs,omitempty"`
	GasUsed uint64        `json:"gasUsed"`
	Runs    int           `json:"runs,omitempty"`
	Calls   int           `json:"calls,omitempty"`
	Reverts int           `json:"reverts,omitempty"`
	Seed    *int64        `json:"seed,omitempty"`
	Elapsed time.Duration `json:"duration"`
	Trace   *StackTrace   `json:"stackTrace,omitempty"`
}

// Summary is the single line reported for the test.
func (r *Result) Summary() string {
	var detail string
	switch r.Kind {
	case Fuzz:
		detail = fmt.Sprintf("(runs: %d, μ: %d)", r.Runs, r.GasUsed)
	case Invariant:
		detail = fmt.Sprintf("(runs: %d, calls: %d, reverts: %d)", r.Runs, r.Calls, r.Reverts)
	default:
		detail = fmt.Sprintf("(gas: %d)", r.GasUsed)
	}
	if r.Status != Failure {
		return fmt.Sprintf("[%s] %s %s", r.Status, r.Name, detail)
	}
	line := fmt.Sprintf("[%s: %s", r.Status, r.Reason)
	if r.Counterexample != nil {
		line += "; counterexample: " + r.Counterexample.String()
	}
	return line + "] " + r.Name + " " + detail
}

// SuiteResult holds the results of one test contract.
type SuiteResult struct {
	Contract artifact.ContractID `json:"contract"`
	Tests    []*Result           `json:"tests"`
	Elapsed  time.Duration       `json:"duration"`
	Warnings []string            `json:"warnings,omitempty"`
}

// Count returns the number of tests with status s.
func (s *SuiteResult) Count(status Status) int {
	var n int
	for _, t := range s.Tests {
		if t.Status == status {
			n++
		}
	}
	return n
}

// Failed reports whether any test of the suite failed.
func (s *SuiteResult) Failed() bool { return s.Count(Failure) > 0 }
