package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/qrv0/arblora/internal/bucket"
	"github.com/qrv0/arblora/internal/fileformat"
)

var sectionNames = map[uint32]string{
	fileformat.TypeMeta:    "META",
	fileformat.TypeFiles:   "FILES",
	fileformat.TypeBuckets: "BUCKETS",
	fileformat.TypeSizes:   "SIZES",
	fileformat.TypeMapping: "MAPPING",
}

func sectionName(t uint32) string {
	if n, ok := sectionNames[t]; ok {
		return n
	}
	return "type " + strconv.Itoa(int(t))
}

func compName(flags uint32) string {
	switch {
	case flags&fileformat.FlagCompZSTD != 0:
		return "zstd"
	case flags&fileformat.FlagCompLZ4 != 0:
		return "lz4"
	}
	return "raw"
}

func cmdInspect(args []string, stdout io.Writer) error {
	fs := newFlagSet("inspect")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: arb inspect <cache file>")
	}
	path := fs.Arg(0)
	meta, r, err := bucket.ReadCacheMeta(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "cache: %s (format %d)\n", path, meta.FormatVersion)
	fmt.Fprintf(stdout, "files: %s  items: %s  fingerprint: %s\n",
		humanize.Comma(int64(meta.NumFiles)), humanize.Comma(int64(meta.DataLen)), meta.Fingerprint)
	toc := append(r.TOC[:0:0], r.TOC...)
	r.Close()
	sort.Slice(toc, func(i, j int) bool { return toc[i].Offset < toc[j].Offset })
	for _, e := range toc {
		fmt.Fprintf(stdout, "  %-8s %-4s %10s at %d\n", sectionName(e.TypeID), compName(e.Flags),
			humanize.Bytes(e.Size), e.Offset)
	}

	b := &bucket.RatioBucket{}
	if err := b.Load(path); err != nil {
		return err
	}
	fmt.Fprintln(stdout, bucketTable(b))
	return nil
}

func bucketTable(b *bucket.RatioBucket) string {
	cell := lipgloss.NewStyle().Padding(0, 1)
	header := cell.Bold(true)
	right := cell.Align(lipgloss.Right)
	t := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return header
			case col == 0 || col >= 3:
				return right
			}
			return cell
		}).
		Headers("#", "size", "ratio", "items", "files")
	for k := 0; k < b.NumBuckets(); k++ {
		s := b.BucketSize(k)
		members := b.Bucket(k)
		unique := make(map[int]struct{}, len(members))
		for _, f := range members {
			unique[f] = struct{}{}
		}
		t.Row(
			strconv.Itoa(k),
			fmt.Sprintf("%dx%d", s.W, s.H),
			strconv.FormatFloat(float64(s.W)/float64(s.H), 'f', 3, 64),
			humanize.Comma(int64(len(members))),
			humanize.Comma(int64(len(unique))),
		)
	}
	return t.String()
}
