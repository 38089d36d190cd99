// Package verify compares device memory against host expectations and
// dumps device values for debugging.
package verify

import (
	"fmt"
	"io"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/samcharles93/strata/internal/device"
)

// Tolerance is the absolute and relative bound used for float comparisons.
const Tolerance = 1e-4

// VerificationError reports the first element where device and host differ.
type VerificationError struct {
	Label string
	Index int
	Host  any
	Dev   any
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verify %s: element %d differs: host=%v device=%v", e.Label, e.Index, e.Host, e.Dev)
}

func equal[T device.Elem](a, b T) bool {
	switch x := any(a).(type) {
	case float32:
		y := any(b).(float32)
		if x == y {
			return true
		}
		diff := math.Abs(float64(x) - float64(y))
		scale := math.Max(math.Abs(float64(x)), math.Abs(float64(y)))
		return diff <= Tolerance || diff <= Tolerance*scale
	}
	return a == b
}

// Verify copies len(host) elements from dev and compares them with host.
func Verify[T device.Elem](rt *device.Runtime, host []T, dev device.Ptr, label string) error {
	got := make([]T, len(host))
	if err := device.CopyToHost(rt, got, dev); err != nil {
		return fmt.Errorf("verify %s: %w", label, err)
	}
	for i := range host {
		if !equal(host[i], got[i]) {
			return &VerificationError{Label: label, Index: i, Host: host[i], Dev: got[i]}
		}
	}
	return nil
}

// Checksum hashes bytes of device memory at p.
func Checksum(rt *device.Runtime, p device.Ptr, bytes int) (uint64, error) {
	raw := make([]byte, bytes)
	if err := device.CopyBytesToHost(rt, raw, p); err != nil {
		return 0, fmt.Errorf("checksum: %w", err)
	}
	return xxhash.Sum64(raw), nil
}

func PrintNums(w io.Writer, rt *device.Runtime, p device.Ptr, n int) error {
	vals := make([]float32, n)
	if err := device.CopyToHost(rt, vals, p); err != nil {
		return err
	}
	return printRow(w, vals)
}

func PrintInts(w io.Writer, rt *device.Runtime, p device.Ptr, n int) error {
	vals := make([]int32, n)
	if err := device.CopyToHost(rt, vals, p); err != nil {
		return err
	}
	return printRow(w, vals)
}

func printRow[T any](w io.Writer, vals []T) error {
	for i, v := range vals {
		sep := " "
		if i == len(vals)-1 {
			sep = "\n"
		}
		if _, err := fmt.Fprint(w, v, sep); err != nil {
			return err
		}
	}
	return nil
}
