package fileformat

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	lz4 "github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// Container layout (little endian):
//
//	magic[8] | ver:u32 num:u32 res:u32 | num * (type:u32 offset:u64 size:u64 flags:u32) | sections
//
// Sections start on 8-byte boundaries after the TOC.
var magic = [8]byte{'A', 'R', 'B', 'C', 0, 0, 0, 1}

const (
	TypeMeta    = 1
	TypeFiles   = 2
	TypeBuckets = 3
	TypeSizes   = 4
	TypeMapping = 5
)

const (
	FlagCompZSTD uint32 = 1 << 0
	FlagCompLZ4  uint32 = 1 << 1
)

const sectionAlign = 8

type section struct {
	TypeID uint32
	Data   []byte
	Flags  uint32
}

type Writer struct {
	sections []section
}

func NewWriter() *Writer { return &Writer{} }

func (w *Writer) AddSection(t uint32, data []byte, flags uint32) {
	w.sections = append(w.sections, section{t, data, flags})
}

func zstdEncode(b []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(b, make([]byte, 0, len(b))), nil
}

func zstdDecode(b []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(b, nil)
}

func lz4Encode(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func lz4Decode(b []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(b))
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func alignUp(x, a int64) int64 {
	r := x % a
	if r == 0 {
		return x
	}
	return x + (a - r)
}

type tocEntry struct {
	TypeID uint32
	Offset uint64
	Size   uint64
	Flags  uint32
}

type header struct{ Ver, Num, Res uint32 }

// Write encodes the container into a temporary file next to path and renames it into place.
func (w *Writer) Write(path string) error {
	payloads := make([][]byte, len(w.sections))
	for i, s := range w.sections {
		data := s.Data
		var err error
		switch {
		case s.Flags&FlagCompZSTD != 0:
			data, err = zstdEncode(data)
		case s.Flags&FlagCompLZ4 != 0:
			data, err = lz4Encode(data)
		}
		if err != nil {
			return errors.Wrapf(err, "fileformat: compress section %d", s.TypeID)
		}
		payloads[i] = data
	}

	var buf bytes.Buffer
	buf.Write(magic[:])
	_ = binary.Write(&buf, binary.LittleEndian, header{Ver: 1, Num: uint32(len(w.sections))})
	offset := alignUp(int64(len(magic)+12+24*len(w.sections)), sectionAlign)
	for i, s := range w.sections {
		e := tocEntry{TypeID: s.TypeID, Offset: uint64(offset), Size: uint64(len(payloads[i])), Flags: s.Flags}
		_ = binary.Write(&buf, binary.LittleEndian, &e)
		offset = alignUp(offset+int64(len(payloads[i])), sectionAlign)
	}
	for _, p := range payloads {
		pad := alignUp(int64(buf.Len()), sectionAlign) - int64(buf.Len())
		buf.Write(make([]byte, pad))
		buf.Write(p)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

type Reader struct {
	f   *os.File
	TOC []tocEntry
}

var ErrNotContainer = errors.New("fileformat: not a bucket cache file")

func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	head := make([]byte, len(magic))
	if _, err := io.ReadFull(f, head); err != nil {
		f.Close()
		return nil, errors.Wrapf(ErrNotContainer, "%s: %v", path, err)
	}
	if !bytes.Equal(head, magic[:]) {
		f.Close()
		return nil, errors.Wrapf(ErrNotContainer, "%s: bad magic", path)
	}
	var hdr header
	if err := binary.Read(f, binary.LittleEndian, &hdr); err != nil {
		f.Close()
		return nil, err
	}
	toc := make([]tocEntry, hdr.Num)
	for i := range toc {
		if err := binary.Read(f, binary.LittleEndian, &toc[i]); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &Reader{f: f, TOC: toc}, nil
}

func (r *Reader) Close() error { return r.f.Close() }

// Section returns the stored (possibly compressed) payload.
func (r *Reader) Section(typeID uint32) ([]byte, error) {
	e, ok := r.entry(typeID)
	if !ok {
		return nil, errors.Errorf("fileformat: section %d not found", typeID)
	}
	buf := make([]byte, e.Size)
	if _, err := r.f.ReadAt(buf, int64(e.Offset)); err != nil {
		return nil, errors.Wrapf(err, "fileformat: read section %d", typeID)
	}
	return buf, nil
}

// SectionUncompressed returns the payload decompressed according to its flags.
func (r *Reader) SectionUncompressed(typeID uint32) ([]byte, error) {
	buf, err := r.Section(typeID)
	if err != nil {
		return nil, err
	}
	e, _ := r.entry(typeID)
	switch {
	case e.Flags&FlagCompZSTD != 0:
		buf, err = zstdDecode(buf)
	case e.Flags&FlagCompLZ4 != 0:
		buf, err = lz4Decode(buf)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "fileformat: decompress section %d", typeID)
	}
	return buf, nil
}

func (r *Reader) entry(typeID uint32) (tocEntry, bool) {
	for _, e := range r.TOC {
		if e.TypeID == typeID {
			return e, true
		}
	}
	return tocEntry{}, false
}
