// Package debugfile finds vmlinux and loadable modules under the standard
// debug-info search paths for a kernel target, or opens per-mapping ELF
// files for a userspace target.
package debugfile

import (
	"debug/elf"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/progview/progstate/core"
)

// Indexer is the narrow interface this locator needs from the DWARF index:
// "try to add this file, tell me whether it has usable debug info."
type Indexer interface {
	// AddFile attempts to index path's debug info. It returns an *elf.File
	// handle to retain (e.g. for a userspace mapping's Elf back-pointer),
	// or an error classified as core.MissingDebug if the file parses as
	// ELF but carries no debug sections.
	AddFile(path string) (*elf.File, error)
}

// moduleSearchRoots lists the candidate module-debug-info trees in
// priority order; the first one that exists is used exclusively.
type moduleSearchRoot struct {
	dir    string
	suffix string
}

func moduleSearchRoots(osrelease string) []moduleSearchRoot {
	return []moduleSearchRoot{
		{filepath.Join("/usr/lib/debug/lib/modules", osrelease, "kernel"), ".ko.debug"},
		{filepath.Join("/lib/modules", osrelease, "kernel"), ".ko"},
	}
}

// moduleSearchRootsFunc is a var so tests can point it at a temporary
// directory tree instead of the real absolute search paths.
var moduleSearchRootsFunc = moduleSearchRoots

// ModuleReport summarizes module debug-info discovery for verbose
// partial-failure reporting.
type ModuleReport struct {
	Loaded       int
	MissingNames []string // first 5 names missing debug info
	MissingTotal int
}

const maxReportedMissing = 5

// Locator implements DebugFileLocator.
type Locator struct {
	Index Indexer
	// Base, if set, is tried as a prefix before a mapping's absolute path
	// when opening userspace debug files (e.g. a core copied alongside its
	// libraries into a sysroot directory).
	Base    string
	Verbose bool
}

// LocateVmlinux tries the three standard vmlinux paths in order, returning
// the first one that yields debug info.
func (l *Locator) LocateVmlinux(osrelease string) (*elf.File, string, error) {
	var sawVmlinuxNoDebug bool
	for _, path := range core.VmlinuxSearchPaths(osrelease) {
		f, err := l.Index.AddFile(path)
		switch {
		case err == nil:
			return f, path, nil
		case os.IsNotExist(errUnwrapOS(err)):
			continue
		case core.Is(err, core.MissingDebug):
			sawVmlinuxNoDebug = true
			continue
		default:
			return nil, "", err
		}
	}
	if sawVmlinuxNoDebug {
		return nil, "", core.Errf(core.MissingDebug, "vmlinux found for release %s but without debug info", osrelease)
	}
	return nil, "", core.Errf(core.MissingDebug, "no vmlinux found for release %s", osrelease)
}

// errUnwrapOS extracts an *os.PathError/syscall errno chain to test with
// os.IsNotExist when the locator wraps it in a *core.Error.
func errUnwrapOS(err error) error {
	if e, ok := err.(*core.Error); ok {
		if e.Err != nil {
			return e.Err
		}
		return e
	}
	return err
}

// LocateModules walks the module search trees for osrelease, adding every
// candidate .ko/.ko.debug file to the index. Missing debug info per-module
// is tolerated and tallied; any other error is fatal.
func (l *Locator) LocateModules(osrelease string) (ModuleReport, error) {
	var report ModuleReport
	var root moduleSearchRoot
	found := false
	for _, r := range moduleSearchRootsFunc(osrelease) {
		if _, err := os.Stat(r.dir); err == nil {
			root = r
			found = true
			break
		}
	}
	if !found {
		return report, core.Errf(core.MissingDebug, "no module debug tree found for release %s", osrelease)
	}

	err := filepath.WalkDir(root.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, root.suffix) {
			return nil
		}
		_, addErr := l.Index.AddFile(path)
		switch {
		case addErr == nil:
			report.Loaded++
		case core.Is(addErr, core.MissingDebug):
			report.MissingTotal++
			if l.Verbose && len(report.MissingNames) < maxReportedMissing {
				report.MissingNames = append(report.MissingNames, filepath.Base(path))
			}
		default:
			return addErr
		}
		return nil
	})
	if err != nil {
		return report, core.Wrap(core.OS, err, "walking module tree %s", root.dir)
	}
	return report, nil
}

// ReportString renders a "missing debug for N modules, show first 5"
// summary, only meaningful when Verbose is set.
func (r ModuleReport) ReportString() string {
	if r.MissingTotal == 0 {
		return ""
	}
	names := strings.Join(r.MissingNames, ", ")
	extra := r.MissingTotal - len(r.MissingNames)
	if extra > 0 {
		return fmt.Sprintf("missing debug info for %d modules (%s, ... %d more)", r.MissingTotal, names, extra)
	}
	return fmt.Sprintf("missing debug info for %d modules (%s)", r.MissingTotal, names)
}

// OpenUserspaceMappings attempts to open each mapping's backing file and
// index its debug info, storing the resulting *elf.File on the mapping.
// ENOENT, "not an ELF", and MissingDebug are tolerated per-mapping; at
// least one mapping must succeed.
func (l *Locator) OpenUserspaceMappings(mappings *core.MappingTable) error {
	anyOK := false
	for i, m := range mappings.Mappings() {
		if m.Path == "" {
			continue
		}
		path := m.Path
		if l.Base != "" {
			if _, err := os.Stat(filepath.Join(l.Base, m.Path)); err == nil {
				path = filepath.Join(l.Base, m.Path)
			}
		}
		f, err := l.Index.AddFile(path)
		switch {
		case err == nil:
			anyOK = true
			mappings.Mappings()[i].Elf = f
		case os.IsNotExist(errUnwrapOS(err)):
			continue
		case core.Is(err, core.ELFFormat), core.Is(err, core.MissingDebug):
			continue
		default:
			return err
		}
	}
	if !anyOK {
		return core.Errf(core.MissingDebug, "no debug information found")
	}
	return nil
}
