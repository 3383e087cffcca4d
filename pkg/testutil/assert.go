// Package testutil holds the assertions used across the tests of this module.
package testutil

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t testing.TB, err error, msg ...string) {
	t.Helper()
	if err != nil {
		t.Fatal(Callers(), err, msg)
	}
}

// AssertErrorIs fails the test unless err wraps expErr.
func AssertErrorIs(t testing.TB, err error, expErr error, msg ...string) {
	t.Helper()
	if err == nil {
		t.Fatal(Callers(), msg, errors.New("error was expected but is nil"))
	}
	if !errors.Is(err, expErr) {
		t.Fatal(
			Callers(),
			msg,
			fmt.Errorf("expected error %##v but got %##v", expErr, err),
		)
	}
}

// AssertErrorAs fails the test unless err has a T in its chain, and returns it.
func AssertErrorAs[T error](t testing.TB, err error, msg ...string) T {
	t.Helper()
	var v T
	if err == nil {
		t.Fatal(Callers(), msg, errors.New("error was expected but is nil"))
	}
	if !errors.As(err, &v) {
		t.Fatal(
			Callers(),
			msg,
			fmt.Errorf("error not of expected type: %##v", err),
		)
	}
	return v
}

// AssertEqual checks if the expected and actual are equal. Errors if not.
func AssertEqual(
	t testing.TB,
	expected, actual interface{},
	opts ...cmp.Option,
) {
	t.Helper()
	if diff := Diff(actual, expected, opts...); diff != "" {
		t.Fatal(Callers(), diff)
	}
}

// AssertTrue checks if the condition is true. Errors if not.
func AssertTrue(t testing.TB, condition bool, msg ...string) {
	t.Helper()
	if !condition {
		t.Fatal(Callers(), "expected true, got false: ", msg)
	}
}

// AssertContains fails the test unless s contains substr.
func AssertContains(t testing.TB, s string, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Fatalf("%s: %q does not contain %q", Callers(), s, substr)
	}
}

// Diff compares two items and returns a human-readable diff string. If the
// items are equal, the string is empty.
func Diff[T any](got, want T, opts ...cmp.Option) string {
	// nolint: gocritic
	oo := append(
		opts,
		cmp.Exporter(func(reflect.Type) bool { return true }),
		cmpopts.EquateEmpty(),
	)

	diff := cmp.Diff(got, want, oo...)
	if diff != "" {
		return "\n-got +want\n" + diff
	}

	return ""
}

// Callers returns the file:line of the test function that made the failing
// assertion, skipping frames inside this package.
func Callers() string {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "/testutil/") {
			return fmt.Sprintf("%s:%d", frame.File, frame.Line)
		}
		if !more {
			return ""
		}
	}
}
