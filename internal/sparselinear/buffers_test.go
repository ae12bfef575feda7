package sparselinear

import (
	"testing"

	"github.com/samcharles93/sparselt/internal/device"
	"github.com/samcharles93/sparselt/internal/device/host"
)

func TestBufferSetReleasesEverythingOnce(t *testing.T) {
	t.Parallel()

	lib := host.New(host.Config{})
	sess, err := lib.Open(0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	set := newBufferSet(sess)
	if _, err := set.upload(roleWeight, make([]byte, 64)); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := set.alloc(roleValid, 4); err != nil {
		t.Fatalf("alloc: %v", err)
	}
	out := make([]byte, 32)
	if _, err := set.register(roleOutput, out); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := set.alloc(roleValid, 4); err == nil {
		t.Fatal("expected duplicate role to be rejected")
	}
	if got := lib.LiveBuffers(); got != 3 {
		t.Fatalf("LiveBuffers() = %d, want 3", got)
	}
	if got := set.bytes(); got != 68 {
		t.Fatalf("bytes() = %d, want 68", got)
	}
	if set.ptr(roleCompressed) != 0 {
		t.Fatal("unallocated role must report a nil pointer")
	}

	if err := set.release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := lib.LiveBuffers(); got != 0 {
		t.Fatalf("LiveBuffers() after release = %d, want 0", got)
	}
	if err := set.release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
}

func TestBufferSetUploadFailureKeepsAllocationOwned(t *testing.T) {
	t.Parallel()

	lib := host.New(host.Config{})
	sess, err := lib.Open(0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	lib.Inject("CopyToDevice", device.StatusInternalError)
	set := newBufferSet(sess)
	if _, err := set.upload(roleActivation, make([]byte, 16)); err == nil {
		t.Fatal("expected copy failure")
	}
	if got := lib.LiveBuffers(); got != 1 {
		t.Fatalf("LiveBuffers() = %d, want the failed upload to stay owned", got)
	}
	if err := set.release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := lib.LiveBuffers(); got != 0 {
		t.Fatalf("LiveBuffers() after release = %d, want 0", got)
	}
}
