package runner

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/edrgo/edr/solidity/artifact"
)

// Filter selects the tests to run. Nil patterns match everything.
type Filter struct {
	Contract *regexp.Regexp
	Test     *regexp.Regexp
}

func (f Filter) matchContract(id artifact.ContractID) bool {
	return f.Contract == nil || f.Contract.MatchString(id.String())
}

func (f Filter) matchTest(name string) bool {
	return f.Test == nil || f.Test.MatchString(name)
}

// testFunction is a test found in a contract's ABI.
type testFunction struct {
	method abi.Method
	kind   Kind
	// expectFail inverts the verdict of testFail functions.
	expectFail bool
}

// functions is the classified ABI of a test contract.
type functions struct {
	setUp          *abi.Method
	afterInvariant *abi.Method
	tests          []testFunction
	invariants     []abi.Method
	// fixtures maps parameter names to the functions supplying them.
	fixtures map[string]abi.Method
}

func isTestName(name string) bool {
	return strings.HasPrefix(name, "test")
}

func isInvariantName(name string) bool {
	return strings.HasPrefix(name, "invariant") || strings.HasPrefix(name, "statefulFuzz")
}

// lowerFirst turns a fixture suffix into the parameter name it feeds.
func lowerFirst(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[n:]
}

// discover classifies the functions of a test contract. Tests come out in
// name order.
func discover(contract abi.ABI, filter Filter) *functions {
	fns := &functions{fixtures: make(map[string]abi.Method)}
	for _, m := range contract.Methods {
		switch {
		case m.Name == "setUp" && len(m.Inputs) == 0:
			fns.setUp = &m
		case m.Name == "afterInvariant" && len(m.Inputs) == 0:
			fns.afterInvariant = &m
		case strings.HasPrefix(m.Name, "fixture") && len(m.Name) > len("fixture") && len(m.Inputs) == 0 && len(m.Outputs) == 1:
			fns.fixtures[lowerFirst(strings.TrimPrefix(m.Name, "fixture"))] = m
		case isInvariantName(m.Name) && len(m.Inputs) == 0:
			fns.invariants = append(fns.invariants, m)
			if filter.matchTest(m.Name) {
				fns.tests = append(fns.tests, testFunction{method: m, kind: Invariant})
			}
		case isTestName(m.Name) && filter.matchTest(m.Name):
			kind := Unit
			if len(m.Inputs) > 0 {
				kind = Fuzz
			}
			fns.tests = append(fns.tests, testFunction{method: m, kind: kind, expectFail: strings.HasPrefix(m.Name, "testFail")})
		}
	}
	sort.Slice(fns.tests, func(i, j int) bool { return fns.tests[i].method.Name < fns.tests[j].method.Name })
	sort.Slice(fns.invariants, func(i, j int) bool { return fns.invariants[i].Name < fns.invariants[j].Name })
	return fns
}

// isTargetable reports whether an invariant campaign may call m on a
// target contract.
func isTargetable(m abi.Method) bool {
	if m.IsConstant() {
		return false
	}
	switch {
	case m.Name == "setUp", m.Name == "afterInvariant", m.Name == "IS_TEST", m.Name == "failed":
		return false
	case isTestName(m.Name), isInvariantName(m.Name), strings.HasPrefix(m.Name, "fixture"):
		return false
	case strings.HasPrefix(m.Name, "target"), strings.HasPrefix(m.Name, "exclude"):
		return false
	}
	return true
}
