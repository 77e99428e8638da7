// Package elfsection locates the .lolfs.super section in a host ELF64
// image, per spec §6: on mount, the core attempts to parse the backing
// image as ELF64; if present, the first section named ".lolfs.super"
// supplies fs_offset. If parsing fails or the section is absent,
// fs_offset is 0 (raw image).
//
// Built directly on the standard library's debug/elf: no example repo
// in the corpus wraps ELF parsing in a third-party library for a single
// section lookup like this (see DESIGN.md).
package elfsection

import (
	"debug/elf"
	"errors"
	"io"
)

// SectionName is the ELF section lolelffs embeds its image under.
const SectionName = ".lolfs.super"

// maxStringTable bounds the section-name string table lolelffs will
// parse, per spec §6 ("String-table length is sanity-bounded (<=1 MiB)").
const maxStringTable = 1 << 20

// Locate attempts to parse r as an ELF64 file and find the byte offset
// of the SectionName section. It returns ok == false (not an error) if
// r is not a recognizable ELF64 image or the section is absent — per
// spec §6, either case falls back to fs_offset = 0.
func Locate(r io.ReaderAt) (offset int64, ok bool) {
	f, err := elf.NewFile(r)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return 0, false
	}
	// debug/elf has already resolved every section name against the
	// section header string table by the time NewFile returns; bound
	// its size here too, matching the spec's sanity limit on that table.
	for _, sec := range f.Sections {
		if sec.Type == elf.SHT_STRTAB && sec.Size > maxStringTable {
			return 0, false
		}
	}
	for _, sec := range f.Sections {
		if sec.Name == SectionName {
			return int64(sec.Offset), true
		}
	}
	return 0, false
}

// ErrNotFound names the "ELF, but no .lolfs.super section" case for
// callers that want to report it apart from "not an ELF". Nothing in
// this package returns it: Locate collapses both cases to ok == false
// per the spec's fallback rule.
var ErrNotFound = errors.New("elfsection: no " + SectionName + " section")
