package kernelcache

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
)

func testKey() KernelKey {
	return KernelKey{
		Source:      "kernels/compute/layernorm.go",
		Engine:      "compute",
		CompileArgs: []uint32{4, 16, 1, 0},
		Defines:     map[string]string{"BLOCK_SIZE": "8", "FUSE_PRE_ADD": "0"},
		Fidelity:    "HiFi4",
	}
}

func TestHashKernelStable(t *testing.T) {
	t.Parallel()

	a := HashKernel(testKey())
	for range 20 {
		// Fresh maps iterate in different orders.
		if b := HashKernel(testKey()); b != a {
			t.Fatalf("hash changed between calls: %s vs %s", a, b)
		}
	}
	if len(a.String()) != 64 || len(a.Short()) != 16 {
		t.Fatalf("unexpected hex lengths: %q %q", a.String(), a.Short())
	}
}

func TestHashKernelSensitivity(t *testing.T) {
	t.Parallel()

	base := HashKernel(testKey())
	mutations := map[string]func(k *KernelKey){
		"source":   func(k *KernelKey) { k.Source = "kernels/compute/softmax.go" },
		"engine":   func(k *KernelKey) { k.Engine = "ingress" },
		"arg":      func(k *KernelKey) { k.CompileArgs[1] = 17 },
		"arg len":  func(k *KernelKey) { k.CompileArgs = append(k.CompileArgs, 0) },
		"define":   func(k *KernelKey) { k.Defines["BLOCK_SIZE"] = "4" },
		"fidelity": func(k *KernelKey) { k.Fidelity = "LoFi" },
		"fp32":     func(k *KernelKey) { k.FP32DestAcc = true },
		"approx":   func(k *KernelKey) { k.MathApprox = true },
	}
	for name, mutate := range mutations {
		k := testKey()
		mutate(&k)
		if HashKernel(k) == base {
			t.Errorf("%s: hash did not change", name)
		}
	}

	// Length prefixes keep field boundaries apart.
	a := HashKernel(KernelKey{Source: "ab", Engine: "c"})
	b := HashKernel(KernelKey{Source: "a", Engine: "bc"})
	if a == b {
		t.Fatal("field boundary collision")
	}
}

func TestCacheAddExistsClear(t *testing.T) {
	t.Parallel()

	c := New()
	h := HashKernel(testKey())
	if c.Exists(h) {
		t.Fatal("empty cache reports hit")
	}
	if !c.Add(h) {
		t.Fatal("first Add should report insertion")
	}
	if c.Add(h) {
		t.Fatal("second Add should report a hit")
	}
	if !c.Exists(h) || c.Len() != 1 {
		t.Fatalf("after Add: exists=%v len=%d", c.Exists(h), c.Len())
	}

	c.Clear()
	if c.Exists(h) || c.Len() != 0 {
		t.Fatal("Clear left entries behind")
	}
	if !c.Add(h) {
		t.Fatal("Add after Clear should report insertion")
	}

	c.Remove(h)
	if c.Exists(h) {
		t.Fatal("Remove left the entry")
	}
}

func TestCacheConcurrentAddSingleWinner(t *testing.T) {
	t.Parallel()

	c := New()
	h := HashKernel(testKey())
	var winners atomic.Int32
	var wg sync.WaitGroup
	for range 64 {
		wg.Go(func() {
			if c.Add(h) {
				winners.Add(1)
			}
		})
	}
	wg.Wait()
	if got := winners.Load(); got != 1 {
		t.Fatalf("expected exactly one first insert, got %d", got)
	}
}

func TestCacheCompileWaitersShareOwnerResult(t *testing.T) {
	t.Parallel()

	c := New()
	h := HashKernel(testKey())
	ctx := context.Background()
	release := make(chan struct{})
	boom := errors.New("toolchain exploded")

	type result struct {
		built bool
		err   error
	}
	owner := make(chan result, 1)
	go func() {
		built, err := c.Compile(ctx, h, func() error {
			<-release
			return boom
		})
		owner <- result{built, err}
	}()
	for !c.Exists(h) {
		runtime.Gosched()
	}

	var builds atomic.Int32
	waiters := make(chan result, 8)
	for range 8 {
		go func() {
			built, err := c.Compile(ctx, h, func() error {
				builds.Add(1)
				return boom
			})
			waiters <- result{built, err}
		}()
	}
	close(release)

	if r := <-owner; !r.built || !errors.Is(r.err, boom) {
		t.Fatalf("owner: built=%v err=%v", r.built, r.err)
	}
	for range 8 {
		// A waiter either shared the owner's failure or retried after it.
		if r := <-waiters; !errors.Is(r.err, boom) {
			t.Fatalf("waiter: built=%v err=%v", r.built, r.err)
		}
	}
	if c.Exists(h) {
		t.Fatal("failed build left in cache")
	}

	built, err := c.Compile(ctx, h, func() error { return nil })
	if !built || err != nil || !c.Exists(h) {
		t.Fatalf("retry: built=%v err=%v", built, err)
	}
	built, err = c.Compile(ctx, h, func() error {
		t.Error("build ran for a compiled hash")
		return nil
	})
	if built || err != nil {
		t.Fatalf("hit: built=%v err=%v", built, err)
	}
}

func TestCacheCompileWaiterHonoursContext(t *testing.T) {
	t.Parallel()

	c := New()
	h := HashKernel(testKey())
	release := make(chan struct{})
	defer close(release)
	go func() {
		_, _ = c.Compile(context.Background(), h, func() error {
			<-release
			return nil
		})
	}()
	for !c.Exists(h) {
		runtime.Gosched()
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	built, err := c.Compile(ctx, h, func() error { return nil })
	if built || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got built=%v err=%v", built, err)
	}
}

func TestCacheHashesSorted(t *testing.T) {
	t.Parallel()

	c := New()
	for i := range 5 {
		k := testKey()
		k.CompileArgs[0] = uint32(i)
		c.Add(HashKernel(k))
	}
	hs := c.Hashes()
	if len(hs) != 5 {
		t.Fatalf("hashes: %d", len(hs))
	}
	for i := 1; i < len(hs); i++ {
		if hs[i-1].String() >= hs[i].String() {
			t.Fatalf("hashes not sorted at %d", i)
		}
	}
}
