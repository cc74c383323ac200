package assemble

import "testing"

func TestProgramCleanupLIFOOrder(t *testing.T) {
	p := &Program{}
	var order []string
	p.RegisterCleanup("a", func() { order = append(order, "a") })
	p.RegisterCleanup("b", func() { order = append(order, "b") })
	p.RegisterCleanup("c", func() { order = append(order, "c") })

	p.Destroy()

	want := []string{"c", "b", "a"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestProgramDestroyIsIdempotent(t *testing.T) {
	p := &Program{}
	calls := 0
	p.RegisterCleanup("once", func() { calls++ })
	p.Destroy()
	p.Destroy()
	if calls != 1 {
		t.Fatalf("cleanup ran %d times, want 1", calls)
	}
}

func TestProgramRemoveCleanup(t *testing.T) {
	p := &Program{}
	ran := false
	p.RegisterCleanup("keep-me", func() { ran = true })
	if !p.RemoveCleanup("keep-me") {
		t.Fatal("RemoveCleanup: want true for a registered tag")
	}
	if p.RemoveCleanup("keep-me") {
		t.Fatal("RemoveCleanup: want false once already removed")
	}
	p.Destroy()
	if ran {
		t.Fatal("removed cleanup ran anyway")
	}
}

func TestProgramWarnings(t *testing.T) {
	p := &Program{}
	p.Warnf("missing debug info for %s", "mod_foo")
	p.Warnf("retry %d", 2)
	if len(p.Warnings()) != 2 {
		t.Fatalf("len(Warnings()) = %d, want 2", len(p.Warnings()))
	}
	if p.Warnings()[0] != "missing debug info for mod_foo" {
		t.Errorf("Warnings()[0] = %q", p.Warnings()[0])
	}
}

func TestProgramIsKernel(t *testing.T) {
	p := &Program{}
	if p.IsKernel() {
		t.Fatal("zero-value Program: IsKernel() = true, want false")
	}
	p.Flags |= IsLinuxKernel
	if !p.IsKernel() {
		t.Fatal("after setting IsLinuxKernel: IsKernel() = false, want true")
	}
}
