package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/pkg/errors"

	"github.com/qrv0/arblora/internal/bucket"
)

func cmdVerify(args []string, stdout io.Writer) error {
	fs := newFlagSet("verify")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: arb verify <cache file>")
	}
	return verifyCache(fs.Arg(0), stdout)
}

// verifyCache checks every section listed in the META checksum index.
func verifyCache(path string, stdout io.Writer) error {
	meta, r, err := bucket.ReadCacheMeta(path)
	if err != nil {
		return err
	}
	defer r.Close()
	if len(meta.Checksums) == 0 {
		return errors.Errorf("%s: no checksum_index in META", path)
	}
	types := make([]int, 0, len(meta.Checksums))
	for k := range meta.Checksums {
		t, err := strconv.Atoi(k)
		if err != nil {
			return errors.Errorf("%s: bad checksum key %q", path, k)
		}
		types = append(types, t)
	}
	sort.Ints(types)

	failed := 0
	for _, t := range types {
		if _, err := bucket.VerifiedSection(r, meta, uint32(t)); err != nil {
			fmt.Fprintf(stdout, "%-8s FAILED: %v\n", sectionName(uint32(t)), err)
			failed++
			continue
		}
		fmt.Fprintf(stdout, "%-8s ok (%d chunks)\n", sectionName(uint32(t)), meta.Checksums[strconv.Itoa(t)].Count)
	}
	if failed > 0 {
		return errors.Errorf("checksum verify: %d of %d sections failed", failed, len(types))
	}
	fmt.Fprintln(stdout, "checksum verify: OK")
	return nil
}
