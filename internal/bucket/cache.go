package bucket

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/qrv0/arblora/internal/fileformat"
)

// CacheMeta is the JSON META section of a bucket cache.
type CacheMeta struct {
	FormatVersion int                            `json:"format_version"`
	NumBucket     int                            `json:"num_bucket"`
	NumFiles      int                            `json:"num_files"`
	DataLen       int                            `json:"data_len"`
	Fingerprint   string                         `json:"fingerprint"`
	Checksums     map[string]fileformat.Checksum `json:"checksum_index"`
}

const cacheFormatVersion = 1

// Save writes buckets, sizes, the file-to-bucket mapping, the file list and the padded length.
func (b *RatioBucket) Save(path string) error {
	sections := map[uint32][]byte{
		fileformat.TypeFiles:   encodeStrings(b.fileNames),
		fileformat.TypeBuckets: encodeTable(b.buckets),
		fileformat.TypeSizes:   encodeSizes(b.sizeBuckets),
		fileformat.TypeMapping: encodeInts(b.idxBucketMap),
	}
	meta := CacheMeta{
		FormatVersion: cacheFormatVersion,
		NumBucket:     len(b.buckets),
		NumFiles:      len(b.fileNames),
		DataLen:       b.dataLen,
		Fingerprint:   fileformat.Fingerprint(b.fileNames),
		Checksums:     make(map[string]fileformat.Checksum),
	}
	for t, data := range sections {
		meta.Checksums[fmt.Sprint(t)] = fileformat.RollingXXH3(data, fileformat.DefaultChunk)
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "bucket: encode cache meta")
	}
	w := fileformat.NewWriter()
	w.AddSection(fileformat.TypeMeta, metaBytes, 0)
	w.AddSection(fileformat.TypeFiles, sections[fileformat.TypeFiles], fileformat.FlagCompZSTD)
	w.AddSection(fileformat.TypeBuckets, sections[fileformat.TypeBuckets], fileformat.FlagCompLZ4)
	w.AddSection(fileformat.TypeSizes, sections[fileformat.TypeSizes], 0)
	w.AddSection(fileformat.TypeMapping, sections[fileformat.TypeMapping], fileformat.FlagCompLZ4)
	if err := w.Write(path); err != nil {
		return errors.WithMessagef(err, "bucket: save cache %s", path)
	}
	klog.V(1).Infof("saved bucket cache %s (%d buckets, %d files, %d items)", path, meta.NumBucket, meta.NumFiles, meta.DataLen)
	return nil
}

// ReadCacheMeta returns the META section of a cache file and an open reader on it.
func ReadCacheMeta(path string) (*CacheMeta, *fileformat.Reader, error) {
	r, err := fileformat.Open(path)
	if err != nil {
		return nil, nil, err
	}
	raw, err := r.SectionUncompressed(fileformat.TypeMeta)
	if err != nil {
		r.Close()
		return nil, nil, err
	}
	var meta CacheMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		r.Close()
		return nil, nil, errors.Wrapf(err, "bucket: decode cache meta in %s", path)
	}
	if meta.FormatVersion != cacheFormatVersion {
		r.Close()
		return nil, nil, errors.Errorf("bucket: cache %s has format version %d, want %d", path, meta.FormatVersion, cacheFormatVersion)
	}
	return &meta, r, nil
}

// VerifiedSection reads a section and checks it against the META checksum index.
func VerifiedSection(r *fileformat.Reader, meta *CacheMeta, typeID uint32) ([]byte, error) {
	data, err := r.SectionUncompressed(typeID)
	if err != nil {
		return nil, err
	}
	sum, ok := meta.Checksums[fmt.Sprint(typeID)]
	if !ok {
		return nil, errors.Errorf("bucket: no checksum for section %d", typeID)
	}
	if err := sum.Verify(data); err != nil {
		return nil, errors.WithMessagef(err, "section %d", typeID)
	}
	return data, nil
}

// Load replaces the bucket state with the cached one. Only the internal consistency of the
// cache is checked; whether the files still exist is the caller's concern.
func (b *RatioBucket) Load(path string) error {
	meta, r, err := ReadCacheMeta(path)
	if err != nil {
		return err
	}
	defer r.Close()
	read := func(t uint32) []byte {
		if err != nil {
			return nil
		}
		var data []byte
		data, err = VerifiedSection(r, meta, t)
		return data
	}
	filesRaw := read(fileformat.TypeFiles)
	bucketsRaw := read(fileformat.TypeBuckets)
	sizesRaw := read(fileformat.TypeSizes)
	mappingRaw := read(fileformat.TypeMapping)
	if err != nil {
		return errors.WithMessagef(err, "bucket: load cache %s", path)
	}

	files, err := decodeStrings(filesRaw)
	if err != nil {
		return errors.WithMessagef(err, "bucket: cache %s files", path)
	}
	buckets, err := decodeTable(bucketsRaw)
	if err != nil {
		return errors.WithMessagef(err, "bucket: cache %s buckets", path)
	}
	sizes, err := decodeSizes(sizesRaw)
	if err != nil {
		return errors.WithMessagef(err, "bucket: cache %s sizes", path)
	}
	mapping, err := decodeInts(mappingRaw)
	if err != nil {
		return errors.WithMessagef(err, "bucket: cache %s mapping", path)
	}

	total := 0
	for _, bk := range buckets {
		total += len(bk)
		for _, fidx := range bk {
			if fidx < 0 || fidx >= len(files) {
				return errors.Errorf("bucket: cache %s references file %d of %d", path, fidx, len(files))
			}
		}
	}
	switch {
	case len(sizes) != len(buckets):
		return errors.Errorf("bucket: cache %s has %d sizes for %d buckets", path, len(sizes), len(buckets))
	case len(mapping) != len(files):
		return errors.Errorf("bucket: cache %s maps %d of %d files", path, len(mapping), len(files))
	case total != meta.DataLen:
		return errors.Errorf("bucket: cache %s holds %d items, meta says %d", path, total, meta.DataLen)
	}
	for _, k := range mapping {
		if k < 0 || k >= len(buckets) {
			return errors.Errorf("bucket: cache %s maps a file to bucket %d of %d", path, k, len(buckets))
		}
	}

	b.fileNames, b.buckets, b.sizeBuckets, b.idxBucketMap = files, buckets, sizes, mapping
	b.dataLen = meta.DataLen
	b.ratiosLog = nil
	b.idxArb = nil
	b.fromCache = true
	klog.V(1).Infof("loaded bucket cache %s (%d buckets, %d files, %d items)", path, len(buckets), len(files), total)
	return nil
}

func putU32(buf *bytes.Buffer, v int) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	buf.Write(b[:])
}

type decoder struct {
	p   []byte
	off int
	err error
}

func (d *decoder) u32() int {
	if d.err != nil {
		return 0
	}
	if d.off+4 > len(d.p) {
		d.err = errors.Errorf("short payload at offset %d", d.off)
		return 0
	}
	v := binary.LittleEndian.Uint32(d.p[d.off:])
	d.off += 4
	return int(v)
}

func (d *decoder) bytes(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.off+n > len(d.p) {
		d.err = errors.Errorf("short payload at offset %d", d.off)
		return nil
	}
	out := d.p[d.off : d.off+n]
	d.off += n
	return out
}

func (d *decoder) done() error {
	if d.err == nil && d.off != len(d.p) {
		d.err = errors.Errorf("%d trailing bytes", len(d.p)-d.off)
	}
	return d.err
}

// count reads a length prefix and rejects values that cannot fit in the remaining bytes.
func (d *decoder) count(elemSize int) int {
	n := d.u32()
	if d.err == nil && n*elemSize > len(d.p)-d.off {
		d.err = errors.Errorf("count %d exceeds payload", n)
		return 0
	}
	return n
}

// strings: n:u32, then n*(len:u32, bytes)
func encodeStrings(ss []string) []byte {
	var buf bytes.Buffer
	putU32(&buf, len(ss))
	for _, s := range ss {
		putU32(&buf, len(s))
		buf.WriteString(s)
	}
	return buf.Bytes()
}

func decodeStrings(p []byte) ([]string, error) {
	d := &decoder{p: p}
	n := d.count(4)
	out := make([]string, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, string(d.bytes(d.u32())))
	}
	return out, d.done()
}

// ints: n:u32, then n*u32
func encodeInts(xs []int) []byte {
	var buf bytes.Buffer
	putU32(&buf, len(xs))
	for _, x := range xs {
		putU32(&buf, x)
	}
	return buf.Bytes()
}

func decodeIntsFrom(d *decoder) []int {
	n := d.count(4)
	out := make([]int, n)
	for i := range out {
		out[i] = d.u32()
	}
	return out
}

func decodeInts(p []byte) ([]int, error) {
	d := &decoder{p: p}
	out := decodeIntsFrom(d)
	return out, d.done()
}

// table: rows:u32, then rows*ints
func encodeTable(rows [][]int) []byte {
	var buf bytes.Buffer
	putU32(&buf, len(rows))
	for _, r := range rows {
		buf.Write(encodeInts(r))
	}
	return buf.Bytes()
}

func decodeTable(p []byte) ([][]int, error) {
	d := &decoder{p: p}
	n := d.count(4)
	out := make([][]int, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, decodeIntsFrom(d))
	}
	return out, d.done()
}

// sizes: n:u32, then n*(w:u32, h:u32)
func encodeSizes(sizes []Size) []byte {
	var buf bytes.Buffer
	putU32(&buf, len(sizes))
	for _, s := range sizes {
		putU32(&buf, s.W)
		putU32(&buf, s.H)
	}
	return buf.Bytes()
}

func decodeSizes(p []byte) ([]Size, error) {
	d := &decoder{p: p}
	n := d.count(8)
	out := make([]Size, n)
	for i := range out {
		out[i] = Size{W: d.u32(), H: d.u32()}
	}
	return out, d.done()
}
