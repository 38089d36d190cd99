package verify

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/logger"
)

func newRuntime(t *testing.T) *device.Runtime {
	t.Helper()
	ctx := logger.WithContext(context.Background(), logger.Discard())
	rt, err := device.Init(ctx, device.Config{Workers: 1})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func TestVerifyTolerance(t *testing.T) {
	rt := newRuntime(t)
	b, err := device.FromHost(rt, []float32{1, 1000, -3})
	if err != nil {
		t.Fatalf("FromHost: %v", err)
	}
	defer func() { _ = b.Release() }()

	if err := Verify(rt, []float32{1.00005, 1000.05, -3}, b.Ptr(), "close"); err != nil {
		t.Fatalf("within tolerance: %v", err)
	}
	err = Verify(rt, []float32{1, 1000, -2.9}, b.Ptr(), "far")
	var ve *VerificationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected VerificationError, got %v", err)
	}
	if ve.Index != 2 || ve.Label != "far" {
		t.Fatalf("got %+v", ve)
	}
}

func TestVerifyInts(t *testing.T) {
	rt := newRuntime(t)
	b, err := device.FromHost(rt, []int32{4, 5})
	if err != nil {
		t.Fatalf("FromHost: %v", err)
	}
	defer func() { _ = b.Release() }()

	if err := Verify(rt, []int32{4, 5}, b.Ptr(), "ints"); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := Verify(rt, []int32{4, 6}, b.Ptr(), "ints"); err == nil {
		t.Fatalf("expected mismatch")
	}
}

func TestChecksumTracksContent(t *testing.T) {
	rt := newRuntime(t)
	b, err := device.FromHost(rt, []float32{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("FromHost: %v", err)
	}
	defer func() { _ = b.Release() }()

	before, err := Checksum(rt, b.Ptr(), 16)
	if err != nil {
		t.Fatalf("Checksum: %v", err)
	}
	again, _ := Checksum(rt, b.Ptr(), 16)
	if before != again {
		t.Fatalf("checksum not stable: %x vs %x", before, again)
	}
	if err := device.Memset(rt, b.Ptr().Add(3), 1, 9); err != nil {
		t.Fatalf("Memset: %v", err)
	}
	after, err := Checksum(rt, b.Ptr(), 16)
	if err != nil {
		t.Fatalf("Checksum: %v", err)
	}
	if after == before {
		t.Fatalf("checksum did not change after write")
	}
}

func TestPrint(t *testing.T) {
	rt := newRuntime(t)
	nums, err := device.FromHost(rt, []float32{0.5, 2})
	if err != nil {
		t.Fatalf("FromHost: %v", err)
	}
	defer func() { _ = nums.Release() }()
	ints, err := device.FromHost(rt, []int32{3, 1, 2})
	if err != nil {
		t.Fatalf("FromHost: %v", err)
	}
	defer func() { _ = ints.Release() }()

	var buf bytes.Buffer
	if err := PrintNums(&buf, rt, nums.Ptr(), 2); err != nil {
		t.Fatalf("PrintNums: %v", err)
	}
	if err := PrintInts(&buf, rt, ints.Ptr(), 3); err != nil {
		t.Fatalf("PrintInts: %v", err)
	}
	if got, want := buf.String(), "0.5 2\n3 1 2\n"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
