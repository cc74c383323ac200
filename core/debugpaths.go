package core

import "path/filepath"

// VmlinuxSearchPaths returns the standard vmlinux debug-file search paths
// for a kernel release. Shared between the full Locator and the VMCOREINFO
// kallsyms fallback, which needs a vmlinux image to resolve _stext's
// static address before a DWARF index even exists.
func VmlinuxSearchPaths(osrelease string) []string {
	return []string{
		filepath.Join("/usr/lib/debug/lib/modules", osrelease, "vmlinux"),
		filepath.Join("/boot", "vmlinux-"+osrelease),
		filepath.Join("/lib/modules", osrelease, "build", "vmlinux"),
	}
}
