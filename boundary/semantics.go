// Package boundary classifies call instructions and call edges at the FFI
// boundary: which calls allocate, deallocate or raise an unwind, which edges
// cross the language boundary, and what ownership-transfer contract each
// boundary edge carries.
package boundary

import (
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
)

// Semantics is the name→meaning table the classifier works from. The
// defaults cover the managed language's allocator, libc, and the usual
// unwind entry points; projects extend it via a TOML file.
type Semantics struct {
	Alloc          []string `toml:"alloc"`
	Dealloc        []string `toml:"dealloc"`
	Unwind         []string `toml:"unwind"`
	IgnorePrefixes []string `toml:"ignore_prefixes"`
	Forget         []string `toml:"forget"`
	IntoRaw        []string `toml:"into_raw"`
	FromRaw        []string `toml:"from_raw"`
	Memcpy         []string `toml:"memcpy"`
	UnwindSafe     []string `toml:"unwind_safe"`

	// Contracts overrides the inferred ownership-transfer contract for
	// specific callees: "move", "borrow" or "unknown".
	Contracts map[string]string `toml:"contracts"`
}

// DefaultSemantics returns the built-in table.
func DefaultSemantics() *Semantics {
	return &Semantics{
		Alloc: []string{
			"malloc", "calloc", "realloc",
			"__rust_alloc", "__rust_alloc_zeroed", "__rust_realloc",
			"alloc::alloc::exchange_malloc",
		},
		Dealloc: []string{
			"free", "__rust_dealloc",
		},
		Unwind: []string{
			"core::panicking::panic", "core::panicking::panic_fmt",
			"rust_begin_unwind", "_Unwind_RaiseException", "abort_on_panic",
		},
		IgnorePrefixes: []string{
			"llvm.dbg", "llvm.lifetime",
		},
		Forget: []string{
			"core::mem::forget",
		},
		IntoRaw: []string{
			"alloc::boxed::Box<T,A>::into_raw",
			"std::ffi::c_str::CString::into_raw",
			"alloc::vec::Vec<T,A>::into_raw_parts",
		},
		FromRaw: []string{
			"alloc::boxed::Box<T,A>::from_raw",
			"std::ffi::c_str::CString::from_raw",
			"alloc::vec::Vec<T,A>::from_raw_parts",
		},
		Memcpy: []string{
			"llvm.memcpy.p0.p0.i64", "memcpy",
		},
		Contracts: map[string]string{},
	}
}

// LoadSemantics reads a semantics table from a TOML file and merges it over
// the defaults. List entries equal to "inherit" expand to the corresponding
// default list, so a project can extend rather than replace a category.
func LoadSemantics(path string) (*Semantics, error) {
	var cfg Semantics
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("boundary semantics %s: %w", path, err)
	}
	return Merge(DefaultSemantics(), &cfg), nil
}

// Merge layers override on top of base. Empty override lists keep the base
// list; non-empty lists replace it, with "inherit" splicing the base back in.
func Merge(base, override *Semantics) *Semantics {
	out := &Semantics{
		Alloc:          mergeLists(base.Alloc, override.Alloc),
		Dealloc:        mergeLists(base.Dealloc, override.Dealloc),
		Unwind:         mergeLists(base.Unwind, override.Unwind),
		IgnorePrefixes: mergeLists(base.IgnorePrefixes, override.IgnorePrefixes),
		Forget:         mergeLists(base.Forget, override.Forget),
		IntoRaw:        mergeLists(base.IntoRaw, override.IntoRaw),
		FromRaw:        mergeLists(base.FromRaw, override.FromRaw),
		Memcpy:         mergeLists(base.Memcpy, override.Memcpy),
		UnwindSafe:     mergeLists(base.UnwindSafe, override.UnwindSafe),
		Contracts:      map[string]string{},
	}
	for k, v := range base.Contracts {
		out.Contracts[k] = v
	}
	for k, v := range override.Contracts {
		out.Contracts[k] = v
	}
	return out
}

func mergeLists(base, override []string) []string {
	if len(override) == 0 {
		return normalizeList(base)
	}
	out := make([]string, 0, len(base)+len(override))
	for _, el := range override {
		if el == "inherit" {
			out = append(out, base...)
		} else {
			out = append(out, el)
		}
	}
	return normalizeList(out)
}

func normalizeList(list []string) []string {
	if len(list) < 2 {
		return list
	}
	sort.Strings(list)
	nlist := list[:1]
	for _, el := range list[1:] {
		if el != nlist[len(nlist)-1] {
			nlist = append(nlist, el)
		}
	}
	return nlist
}
