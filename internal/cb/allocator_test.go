package cb

import (
	"errors"
	"testing"

	"github.com/samcharles93/coreplan/internal/topology"
)

var core00 = topology.CoreCoord{X: 1, Y: 1}

func newAllocator(t *testing.T, l1, reserved int) *Allocator {
	t.Helper()
	a, err := NewAllocator(Budget{L1Size: l1, Reserved: reserved})
	if err != nil {
		t.Fatalf("NewAllocator() error = %v", err)
	}
	return a
}

func TestDeclareBumpAllocates(t *testing.T) {
	t.Parallel()
	a := newAllocator(t, 64*1024, 1024)

	in0, err := a.Declare(core00, In0, 2, 2048, Float16B)
	if err != nil {
		t.Fatal(err)
	}
	out0, err := a.Declare(core00, Out0, 4, 1088, Bfp8B)
	if err != nil {
		t.Fatal(err)
	}
	if in0.Address != 1024 {
		t.Fatalf("in0 address: got %#x", in0.Address)
	}
	if out0.Address != 1024+4096 {
		t.Fatalf("out0 address: got %#x", out0.Address)
	}
	if got := a.Used(core00); got != 4096+4352 {
		t.Fatalf("used: got %d", got)
	}
	if got := a.Remaining(core00); got != 63*1024-4096-4352 {
		t.Fatalf("remaining: got %d", got)
	}
	bufs := a.Buffers(core00)
	if len(bufs) != 2 || bufs[0].Channel != In0 || bufs[1].Channel != Out0 {
		t.Fatalf("buffers: %+v", bufs)
	}
	if b, ok := a.Buffer(core00, Out0); !ok || b.Pages != 4 {
		t.Fatalf("Buffer(Out0): %+v %v", b, ok)
	}
}

func TestDeclareBlockAlignment(t *testing.T) {
	t.Parallel()
	a := newAllocator(t, 1<<20, 0)

	if _, err := a.Declare(core00, In0, 64, 2048, Float16B, WithBlockSize(8)); err != nil {
		t.Fatalf("aligned declare: %v", err)
	}
	_, err := a.Declare(core00, In1, 60, 2048, Float16B, WithBlockSize(8))
	if !errors.Is(err, ErrBlockMisaligned) {
		t.Fatalf("expected ErrBlockMisaligned, got %v", err)
	}
	if _, ok := a.Buffer(core00, In1); ok {
		t.Fatal("misaligned buffer was recorded")
	}
}

func TestDeclareOverBudgetByOneByte(t *testing.T) {
	t.Parallel()

	const reserved = 512
	a := newAllocator(t, reserved+3*2048, reserved)
	if _, err := a.Declare(core00, In0, 2, 2048, Float16); err != nil {
		t.Fatal(err)
	}
	_, err := a.Declare(core00, In1, 1, 2049, Float16)
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if a.Used(core00) != 4096 {
		t.Fatalf("failed declare changed usage: %d", a.Used(core00))
	}
	// Exactly filling the budget is fine.
	if _, err := a.Declare(core00, In1, 1, 2048, Float16); err != nil {
		t.Fatalf("exact fit: %v", err)
	}
	if a.Remaining(core00) != 0 {
		t.Fatalf("remaining: %d", a.Remaining(core00))
	}
}

func TestDeclareHugeRequestDoesNotWrap(t *testing.T) {
	t.Parallel()
	a := newAllocator(t, 1<<20, 0)

	// 2^40 pages of 2^24 bytes wraps to zero in 64-bit arithmetic.
	_, err := a.Declare(core00, In0, 1<<40, 1<<24, Float16B)
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if a.Used(core00) != 0 {
		t.Fatalf("failed declare changed usage: %d", a.Used(core00))
	}
	_, err = a.Declare(core00, In0, 1<<20+1, 1, Float16B)
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("one byte over: expected ErrCapacityExceeded, got %v", err)
	}
}

func TestDeclareAddressNearTopOfRangeRejected(t *testing.T) {
	t.Parallel()
	a := newAllocator(t, 1<<20, 0)

	for _, addr := range []uint32{0xFFFFFFF0, 1 << 20, 1<<20 - 32} {
		_, err := a.Declare(core00, In1, 2, 32, Float16B, WithAddress(addr))
		if !errors.Is(err, ErrCapacityExceeded) {
			t.Errorf("address %#x: expected ErrCapacityExceeded, got %v", addr, err)
		}
	}
	// The last 64 bytes of L1 are still usable.
	buf, err := a.Declare(core00, In1, 2, 32, Float16B, WithAddress(1<<20-64))
	if err != nil {
		t.Fatalf("top of l1: %v", err)
	}
	if buf.Address != 1<<20-64 {
		t.Fatalf("address: got %#x", buf.Address)
	}
}

func TestDeclareBudgetIsPerCore(t *testing.T) {
	t.Parallel()
	a := newAllocator(t, 8192, 0)
	other := topology.CoreCoord{X: 2, Y: 1}

	if _, err := a.Declare(core00, In0, 4, 2048, Float16); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Declare(other, In0, 4, 2048, Float16); err != nil {
		t.Fatalf("second core should have its own budget: %v", err)
	}
	cores := a.Cores()
	if len(cores) != 2 || cores[0] != core00 || cores[1] != other {
		t.Fatalf("cores: %v", cores)
	}
}

func TestDeclareRejectsInvalid(t *testing.T) {
	t.Parallel()
	a := newAllocator(t, 1<<20, 0)

	tests := []struct {
		name  string
		ch    Channel
		pages int
		size  int
		f     DataFormat
		want  error
	}{
		{"unassigned channel", Channel(9), 1, 2048, Float16, ErrInvalidBuffer},
		{"out of namespace", Channel(40), 1, 2048, Float16, ErrInvalidBuffer},
		{"zero pages", In0, 0, 2048, Float16, ErrInvalidBuffer},
		{"zero page size", In0, 1, 0, Float16, ErrInvalidBuffer},
		{"bad format", In0, 1, 2048, FormatInvalid, ErrInvalidBuffer},
	}
	for _, tc := range tests {
		if _, err := a.Declare(core00, tc.ch, tc.pages, tc.size, tc.f); !errors.Is(err, tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if len(a.Cores()) != 0 {
		t.Fatalf("failed declarations registered cores: %v", a.Cores())
	}

	if _, err := a.Declare(core00, Intermed0, 2, 2048, Float16); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Declare(core00, Intermed0, 2, 2048, Float16); !errors.Is(err, ErrDuplicateChannel) {
		t.Fatalf("expected ErrDuplicateChannel, got %v", err)
	}
}

func TestDeclareWithAddress(t *testing.T) {
	t.Parallel()
	a := newAllocator(t, 512*1024, 100*1024)

	b, err := a.Declare(core00, In0, 2, 2048, Float16B, WithAddress(200*1024))
	if err != nil {
		t.Fatal(err)
	}
	if b.Address != 200*1024 {
		t.Fatalf("address: %#x", b.Address)
	}
	if _, err := a.Declare(core00, In1, 2, 2048, Float16B, WithAddress(200*1024+2048)); !errors.Is(err, ErrInvalidBuffer) {
		t.Fatalf("expected overlap error, got %v", err)
	}
	if _, err := a.Declare(core00, In1, 2, 2048, Float16B, WithAddress(50*1024)); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected reserved-region error, got %v", err)
	}
	// Bump allocation continues past the highest placed buffer.
	next, err := a.Declare(core00, Out0, 1, 2048, Float16B)
	if err != nil {
		t.Fatal(err)
	}
	if next.Address != 200*1024+4096 {
		t.Fatalf("next address: %#x", next.Address)
	}
}

func TestSemaphoreSharedAddress(t *testing.T) {
	t.Parallel()
	a := newAllocator(t, 64*1024, 0)
	sender := core00
	r1 := topology.CoreCoord{X: 2, Y: 1}
	r2 := topology.CoreCoord{X: 3, Y: 1}

	counter, err := a.Semaphore([]topology.CoreCoord{sender}, 0)
	if err != nil {
		t.Fatal(err)
	}
	flag, err := a.Semaphore([]topology.CoreCoord{sender, r1, r2, r1}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if counter.Address == flag.Address {
		t.Fatal("semaphores on the same core share an address")
	}
	if len(flag.Cores) != 3 {
		t.Fatalf("duplicate cores not removed: %v", flag.Cores)
	}
	for _, c := range []topology.CoreCoord{r1, r2} {
		sems := a.Semaphores(c)
		if len(sems) != 1 || sems[0].Address != flag.Address {
			t.Fatalf("semaphores on %v: %+v", c, sems)
		}
		if a.Used(c) != SemaphoreSize {
			t.Fatalf("used on %v: %d", c, a.Used(c))
		}
	}
	if len(a.AllSemaphores()) != 2 {
		t.Fatalf("all semaphores: %+v", a.AllSemaphores())
	}
}

func TestSemaphoreSkipsOccupiedSlots(t *testing.T) {
	t.Parallel()
	a := newAllocator(t, 64*1024, 0)
	b := topology.CoreCoord{X: 2, Y: 1}
	both := []topology.CoreCoord{core00, b}

	var addrs []uint32
	for _, cores := range [][]topology.CoreCoord{both, {b}, both, {core00}} {
		sem, err := a.Semaphore(cores, 0)
		if err != nil {
			t.Fatal(err)
		}
		addrs = append(addrs, sem.Address)
	}
	// core00 holds slots 0 and 2; its next cell goes below both.
	top := uint32(64 * 1024)
	want := []uint32{top - 16, top - 32, top - 48, top - 64}
	for i := range want {
		if addrs[i] != want[i] {
			t.Fatalf("semaphore addresses = %#x, want %#x", addrs, want)
		}
	}
}

func TestSemaphoreCountsAgainstBudget(t *testing.T) {
	t.Parallel()
	a := newAllocator(t, 4096+SemaphoreSize, 0)

	if _, err := a.Declare(core00, In0, 1, 4096, Float32); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Semaphore([]topology.CoreCoord{core00}, 0); err != nil {
		t.Fatalf("semaphore should fit: %v", err)
	}
	if _, err := a.Semaphore([]topology.CoreCoord{core00}, 0); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
}

func TestNewAllocatorRejectsEmptyBudget(t *testing.T) {
	t.Parallel()

	if _, err := NewAllocator(Budget{L1Size: 1024, Reserved: 1024}); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
}

func TestChannelNamespace(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ch    Channel
		valid bool
		name  string
	}{
		{In0, true, "in0"},
		{In7, true, "in7"},
		{Channel(8), false, "cb8"},
		{Out0, true, "out0"},
		{Channel(16), true, "out0"},
		{Intermed0, true, "intermed0"},
		{Channel(24), true, "intermed0"},
		{Intermed7, true, "intermed7"},
		{Channel(32), false, "cb32"},
	}
	for _, tc := range tests {
		if tc.ch.Valid() != tc.valid {
			t.Errorf("%d valid: got %v", uint8(tc.ch), tc.ch.Valid())
		}
		if tc.ch.String() != tc.name {
			t.Errorf("%d name: got %q, want %q", uint8(tc.ch), tc.ch.String(), tc.name)
		}
	}
}

func TestDataFormatTileSize(t *testing.T) {
	t.Parallel()

	tests := map[DataFormat]int{Float32: 4096, Float16: 2048, Float16B: 2048, Bfp8B: 1088, UInt32: 4096, FormatInvalid: 0}
	for f, want := range tests {
		if got := f.TileSize(); got != want {
			t.Errorf("%s tile size: got %d, want %d", f, got, want)
		}
	}
	if f, err := ParseDataFormat("bfloat16"); err != nil || f != Float16B {
		t.Fatalf("ParseDataFormat(bfloat16): %v %v", f, err)
	}
	if _, err := ParseDataFormat("int4"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
