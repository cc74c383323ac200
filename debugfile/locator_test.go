package debugfile

import (
	"debug/elf"
	"os"
	"path/filepath"
	"testing"

	"github.com/progview/progstate/core"
)

// fakeIndexer records which paths were requested and answers canned
// results, avoiding any need for real ELF/DWARF fixtures.
type fakeIndexer struct {
	missingDebug map[string]bool
	notELF       map[string]bool
	requested    []string
}

func (f *fakeIndexer) AddFile(path string) (*elf.File, error) {
	f.requested = append(f.requested, path)
	if _, err := os.Stat(path); err != nil {
		return nil, core.Wrap(core.OS, err, "opening %s", path)
	}
	if f.notELF[path] {
		return nil, core.Errf(core.ELFFormat, "%s is not a valid ELF file", path)
	}
	if f.missingDebug[path] {
		return nil, core.Errf(core.MissingDebug, "%s has no usable debug info", path)
	}
	return &elf.File{}, nil
}

func TestLocatorLocateVmlinuxNotFound(t *testing.T) {
	l := &Locator{Index: &fakeIndexer{}}
	if _, _, err := l.LocateVmlinux("9.9.9-nonexistent"); err == nil {
		t.Fatal("LocateVmlinux: want error when no path exists, got nil")
	} else if !core.Is(err, core.MissingDebug) {
		t.Errorf("error kind = %v, want MissingDebug", err)
	}
}

func TestLocatorLocateModules(t *testing.T) {
	root := t.TempDir()
	osrelease := "5.10.0-test"
	modDir := filepath.Join(root, "lib", "modules", osrelease, "kernel", "fs")
	if err := os.MkdirAll(modDir, 0755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"ext4.ko", "xfs.ko", "broken.ko"} {
		if err := os.WriteFile(filepath.Join(modDir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	oldRoots := moduleSearchRootsFunc
	moduleSearchRootsFunc = func(string) []moduleSearchRoot {
		return []moduleSearchRoot{{dir: filepath.Join(root, "lib", "modules", osrelease, "kernel"), suffix: ".ko"}}
	}
	defer func() { moduleSearchRootsFunc = oldRoots }()

	idx := &fakeIndexer{missingDebug: map[string]bool{
		filepath.Join(modDir, "broken.ko"): true,
	}}
	l := &Locator{Index: idx, Verbose: true}
	report, err := l.LocateModules(osrelease)
	if err != nil {
		t.Fatalf("LocateModules: %v", err)
	}
	if report.Loaded != 2 {
		t.Errorf("Loaded = %d, want 2", report.Loaded)
	}
	if report.MissingTotal != 1 {
		t.Errorf("MissingTotal = %d, want 1", report.MissingTotal)
	}
	if s := report.ReportString(); s == "" {
		t.Error("ReportString() = \"\", want a non-empty summary")
	}
}

func TestModuleReportStringNoMisses(t *testing.T) {
	r := ModuleReport{Loaded: 5}
	if s := r.ReportString(); s != "" {
		t.Errorf("ReportString() = %q, want empty", s)
	}
}

func TestOpenUserspaceMappingsRequiresOneSuccess(t *testing.T) {
	var mappings core.MappingTable
	mappings.Append(0x1000, 0x2000, 0, "/nonexistent/a")
	mappings.Append(0x3000, 0x4000, 0, "/nonexistent/b")

	l := &Locator{Index: &fakeIndexer{}}
	if err := l.OpenUserspaceMappings(&mappings); err == nil {
		t.Fatal("OpenUserspaceMappings: want error when every mapping is unreadable, got nil")
	}
}

// TestOpenUserspaceMappingsToleratesNonELF covers spec.md §4.4/§7's
// per-mapping tolerance list: a non-ELF file alongside the target's shared
// libraries (a locale archive, a font cache, plain data) must not abort
// the whole bootstrap, as long as at least one mapping opens cleanly.
func TestOpenUserspaceMappingsToleratesNonELF(t *testing.T) {
	dir := t.TempDir()
	elfPath := filepath.Join(dir, "libc.so")
	dataPath := filepath.Join(dir, "locale-archive")
	for _, p := range []string{elfPath, dataPath} {
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	var mappings core.MappingTable
	mappings.Append(0x1000, 0x2000, 0, elfPath)
	mappings.Append(0x3000, 0x4000, 0, dataPath)

	idx := &fakeIndexer{notELF: map[string]bool{dataPath: true}}
	l := &Locator{Index: idx}
	if err := l.OpenUserspaceMappings(&mappings); err != nil {
		t.Fatalf("OpenUserspaceMappings: %v", err)
	}
	if mappings.Mappings()[0].Elf == nil {
		t.Error("ELF mapping's Elf field was not populated")
	}
	if mappings.Mappings()[1].Elf != nil {
		t.Error("non-ELF mapping's Elf field should remain nil")
	}
}

func TestOpenUserspaceMappingsWithBase(t *testing.T) {
	base := t.TempDir()
	libPath := filepath.Join(base, "lib", "libc.so")
	if err := os.MkdirAll(filepath.Dir(libPath), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(libPath, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	var mappings core.MappingTable
	mappings.Append(0x1000, 0x2000, 0, "/lib/libc.so")

	idx := &fakeIndexer{}
	l := &Locator{Index: idx, Base: base}
	if err := l.OpenUserspaceMappings(&mappings); err != nil {
		t.Fatalf("OpenUserspaceMappings: %v", err)
	}
	if len(idx.requested) != 1 || idx.requested[0] != libPath {
		t.Errorf("requested = %v, want [%s]", idx.requested, libPath)
	}
}
