// layout.go - on-disk splitfile storage format.
// Copyright (C) 2019  David Stainton.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package splitfile

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"

	"github.com/007pig/fred-sub002/bucket"
	"github.com/007pig/fred-sub002/constants"
	"github.com/007pig/fred-sub002/fetcherr"
	"github.com/007pig/fred-sub002/keys"
)

// The storage file is laid out, in order: block store, per segment
// key lists, per segment status, general progress, main bloom
// filter, per segment bloom filters, original metadata, original
// details, basic settings, footer. Every section carries a trailing
// CRC32; integers are big endian.
const (
	footerLength   = 22
	checksumLength = 4

	// checksumCRC32 is the only defined checksum type.
	checksumCRC32 = uint16(1)

	// slotSize is one serialized block per slot.
	slotSize = int64(constants.BlockHeaderLength + constants.BlockSize)

	// perSlotStatusLen is state byte, retry count, stored slot.
	perSlotStatusLen = 1 + 2 + 2

	genProgressLength = 4 + checksumLength

	bloomSaltLength = 16

	// flagHasCheckedDatastore is recorded in general progress.
	flagHasCheckedDatastore = uint32(1)
)

// SegmentShape is the fixed geometry of one segment.
type SegmentShape struct {
	K          int
	N          int
	DataLength int64
}

// Params carries everything needed to create a splitfile storage.
type Params struct {
	SplitfileType uint16
	CryptoAlgo    uint16
	ThisURI       string
	OrigURI       string
	DataLength    int64
	Codecs        []uint16
	MaxRetries    int
	CooldownMs    int64
	MIMEType      string

	// SegKeys holds, per segment, the k data keys followed by the
	// n-k check keys.
	SegKeys [][]keys.ClientKey

	// SegK holds each segment's data block count.
	SegK []int

	// OriginalMetadata is the raw metadata this download was
	// constructed from, preserved for restarts from scratch.
	OriginalMetadata []byte
}

// shapes derives the segment geometry from the params.
func (p *Params) shapes() ([]SegmentShape, error) {
	if len(p.SegKeys) == 0 || len(p.SegKeys) != len(p.SegK) {
		return nil, fetcherr.New(fetcherr.InvalidMetadata, "segment shape mismatch")
	}
	out := make([]SegmentShape, len(p.SegKeys))
	remaining := p.DataLength
	for i := range p.SegKeys {
		k, n := p.SegK[i], len(p.SegKeys[i])
		if k <= 0 || n <= k || k > constants.MaxDataBlocksPerSegment ||
			n-k > constants.MaxCheckBlocksPerSegment {
			return nil, fetcherr.New(fetcherr.InvalidMetadata, "segment %d shape %d/%d", i, k, n)
		}
		segData := int64(k) * int64(constants.BlockSize)
		if segData > remaining {
			segData = remaining
		}
		if segData <= 0 {
			return nil, fetcherr.New(fetcherr.InvalidMetadata, "segment %d beyond data length", i)
		}
		remaining -= segData
		out[i] = SegmentShape{K: k, N: n, DataLength: segData}
	}
	if remaining != 0 {
		return nil, fetcherr.New(fetcherr.InvalidMetadata, "data length exceeds segments")
	}
	return out, nil
}

// layout is the computed section geometry of a storage file.
type layout struct {
	shapes []SegmentShape

	offsetKeyList   int64
	offsetSegStatus int64
	offsetGenProg   int64
	offsetMainBloom int64
	offsetSegBloom  int64
	offsetOrigMeta  int64
	offsetOrigDet   int64
	offsetBasicSet  int64
	totalLength     int64

	keyListStride   []int64 // per segment
	segStatusStride int64   // fixed padded
	mainBloomLength int64
	segBloomStride  int64
	origMetaLength  int64
	origDetLength   int64
	basicLength     int64 // settings bytes, checksum excluded
}

func (l *layout) totalBlocks() int {
	n := 0
	for _, s := range l.shapes {
		n += s.N
	}
	return n
}

func (l *layout) maxN() int {
	m := 0
	for _, s := range l.shapes {
		if s.N > m {
			m = s.N
		}
	}
	return m
}

// segmentBase returns the block store offset of segment seg.
func (l *layout) segmentBase(seg int) int64 {
	base := int64(0)
	for i := 0; i < seg; i++ {
		base += int64(l.shapes[i].N) * slotSize
	}
	return base
}

// slotOffset returns the block store offset of (seg, slot).
func (l *layout) slotOffset(seg, slot int) int64 {
	return l.segmentBase(seg) + int64(slot)*slotSize
}

func keyListLength(n int) int64 {
	return 4 + int64(n)*int64(keys.ClientKeyLength) + checksumLength
}

func segStatusLength(n int) int64 {
	return int64(n)*perSlotStatusLen + checksumLength
}

func bloomLength(nkeys int) int64 {
	return int64((nkeys*bloomBitsPerKey + 7) / 8)
}

// computeLayout derives every offset from the shapes and the
// variable section lengths.
func computeLayout(shapes []SegmentShape, origMetaLen, origDetLen, basicLen int) *layout {
	l := &layout{shapes: shapes}
	off := int64(0)
	for _, s := range shapes {
		off += int64(s.N) * slotSize
	}
	l.offsetKeyList = off
	l.keyListStride = make([]int64, len(shapes))
	for i, s := range shapes {
		l.keyListStride[i] = keyListLength(s.N)
		off += l.keyListStride[i]
	}
	l.offsetSegStatus = off
	l.segStatusStride = segStatusLength(l.maxN())
	off += l.segStatusStride * int64(len(shapes))
	l.offsetGenProg = off
	off += genProgressLength
	l.offsetMainBloom = off
	l.mainBloomLength = bloomSaltLength + bloomLength(l.totalBlocks()) + checksumLength
	off += l.mainBloomLength
	l.offsetSegBloom = off
	l.segBloomStride = bloomLength(l.maxN()) + checksumLength
	off += l.segBloomStride * int64(len(shapes))
	l.offsetOrigMeta = off
	l.origMetaLength = int64(origMetaLen) + checksumLength
	off += l.origMetaLength
	l.offsetOrigDet = off
	l.origDetLength = int64(origDetLen) + checksumLength
	off += l.origDetLength
	l.offsetBasicSet = off
	l.basicLength = int64(basicLen)
	l.totalLength = off + l.basicLength + checksumLength + footerLength
	return l
}

// checksummed appends a CRC32 to data.
func checksummed(data []byte) []byte {
	out := make([]byte, len(data)+checksumLength)
	copy(out, data)
	binary.BigEndian.PutUint32(out[len(data):], crc32.ChecksumIEEE(data))
	return out
}

// readChecksummed reads length bytes at off (checksum included) and
// verifies the trailing CRC32.
func readChecksummed(raf bucket.RandomAccessThing, off, length int64) ([]byte, error) {
	if length < checksumLength {
		return nil, fetcherr.New(fetcherr.StorageFormat, "section too short")
	}
	buf := make([]byte, length)
	if err := raf.Pread(buf, off); err != nil {
		return nil, errors.Wrap(err, "splitfile: section read")
	}
	body := buf[:length-checksumLength]
	want := binary.BigEndian.Uint32(buf[length-checksumLength:])
	if crc32.ChecksumIEEE(body) != want {
		return nil, fetcherr.New(fetcherr.ChecksumFailed, "section at %d", off)
	}
	return body, nil
}

// serializeBasicSettings encodes the settings block, checksum
// excluded.
func serializeBasicSettings(p *Params, l *layout) []byte {
	var b bytes.Buffer
	w := func(v interface{}) { binary.Write(&b, binary.BigEndian, v) }
	w(p.SplitfileType)
	w(p.CryptoAlgo)
	w(p.DataLength)
	w(uint16(len(p.Codecs)))
	for _, c := range p.Codecs {
		w(c)
	}
	w(uint32(len(l.shapes)))
	for _, s := range l.shapes {
		w(uint16(s.K))
		w(uint16(s.N))
		w(s.DataLength)
	}
	w(l.offsetKeyList)
	w(l.offsetSegStatus)
	w(l.offsetGenProg)
	w(l.offsetMainBloom)
	w(l.offsetSegBloom)
	w(l.offsetOrigMeta)
	w(l.offsetOrigDet)
	w(l.offsetBasicSet)
	w(uint32(l.origMetaLength - checksumLength))
	w(uint32(l.origDetLength - checksumLength))
	w(int32(p.MaxRetries))
	w(p.CooldownMs)
	writeString := func(v string) {
		raw := []byte(v)
		w(uint16(len(raw)))
		b.Write(raw)
	}
	writeString(p.MIMEType)
	writeString(p.ThisURI)
	writeString(p.OrigURI)
	return b.Bytes()
}

// parseBasicSettings is the inverse of serializeBasicSettings. The
// returned layout is rebuilt from the decoded shapes and lengths and
// cross-checked against the stored offsets.
func parseBasicSettings(settings []byte) (*Params, *layout, error) {
	r := bytes.NewReader(settings)
	var err error
	rd := func(v interface{}) {
		if err == nil {
			err = binary.Read(r, binary.BigEndian, v)
		}
	}
	p := &Params{}
	rd(&p.SplitfileType)
	rd(&p.CryptoAlgo)
	rd(&p.DataLength)
	var nCodecs uint16
	rd(&nCodecs)
	if err == nil && nCodecs > 8 {
		return nil, nil, fetcherr.New(fetcherr.StorageFormat, "codec count %d", nCodecs)
	}
	for i := 0; err == nil && i < int(nCodecs); i++ {
		var c uint16
		rd(&c)
		p.Codecs = append(p.Codecs, c)
	}
	var nSegs uint32
	rd(&nSegs)
	if err == nil && nSegs > 1<<20 {
		return nil, nil, fetcherr.New(fetcherr.StorageFormat, "segment count %d", nSegs)
	}
	shapes := make([]SegmentShape, 0, nSegs)
	for i := 0; err == nil && i < int(nSegs); i++ {
		var k, n uint16
		var dl int64
		rd(&k)
		rd(&n)
		rd(&dl)
		shapes = append(shapes, SegmentShape{K: int(k), N: int(n), DataLength: dl})
		p.SegK = append(p.SegK, int(k))
	}
	var offs [8]int64
	for i := range offs {
		rd(&offs[i])
	}
	var origMetaLen, origDetLen uint32
	rd(&origMetaLen)
	rd(&origDetLen)
	var maxRetries int32
	rd(&maxRetries)
	rd(&p.CooldownMs)
	if err != nil {
		return nil, nil, fetcherr.New(fetcherr.StorageFormat, "basic settings truncated")
	}
	p.MaxRetries = int(maxRetries)
	readString := func() string {
		var n uint16
		rd(&n)
		if err != nil {
			return ""
		}
		raw := make([]byte, n)
		if n > 0 {
			if _, rerr := r.Read(raw); rerr != nil {
				err = rerr
				return ""
			}
		}
		return string(raw)
	}
	p.MIMEType = readString()
	p.ThisURI = readString()
	p.OrigURI = readString()
	if err != nil {
		return nil, nil, fetcherr.New(fetcherr.StorageFormat, "basic settings truncated")
	}
	l := computeLayout(shapes, int(origMetaLen), int(origDetLen), len(settings))
	stored := []int64{l.offsetKeyList, l.offsetSegStatus, l.offsetGenProg,
		l.offsetMainBloom, l.offsetSegBloom, l.offsetOrigMeta,
		l.offsetOrigDet, l.offsetBasicSet}
	for i, want := range stored {
		if offs[i] != want {
			return nil, nil, fetcherr.New(fetcherr.StorageFormat, "offset %d mismatch: %d != %d", i, offs[i], want)
		}
	}
	return p, l, nil
}

// writeFooter writes the trailing 22 bytes.
func writeFooter(raf bucket.RandomAccessThing, l *layout, flags uint32) error {
	buf := make([]byte, footerLength)
	binary.BigEndian.PutUint32(buf[0:], uint32(l.basicLength))
	binary.BigEndian.PutUint32(buf[4:], flags)
	binary.BigEndian.PutUint16(buf[8:], checksumCRC32)
	binary.BigEndian.PutUint32(buf[10:], constants.StorageVersion)
	binary.BigEndian.PutUint64(buf[14:], constants.EndMagic)
	return raf.Pwrite(buf, l.totalLength-footerLength)
}

// readFooter validates the magic, version and checksum type and
// returns the basic settings length and flags.
func readFooter(raf bucket.RandomAccessThing) (settingsLen int64, flags uint32, err error) {
	size := raf.Length()
	if size < footerLength {
		return 0, 0, fetcherr.New(fetcherr.WrongFormat, "file too short")
	}
	buf := make([]byte, footerLength)
	if err := raf.Pread(buf, size-footerLength); err != nil {
		return 0, 0, errors.Wrap(err, "splitfile: footer read")
	}
	if binary.BigEndian.Uint64(buf[14:]) != constants.EndMagic {
		return 0, 0, fetcherr.New(fetcherr.WrongFormat, "bad end magic")
	}
	if v := binary.BigEndian.Uint32(buf[10:]); v != constants.StorageVersion {
		return 0, 0, fetcherr.New(fetcherr.WrongFormat, "unknown version %d", v)
	}
	if ct := binary.BigEndian.Uint16(buf[8:]); ct != checksumCRC32 {
		return 0, 0, fetcherr.New(fetcherr.WrongFormat, "unknown checksum type %d", ct)
	}
	settingsLen = int64(binary.BigEndian.Uint32(buf[0:]))
	if settingsLen <= 0 || settingsLen > constants.BasicSettingsMaxLength {
		return 0, 0, fetcherr.New(fetcherr.WrongFormat, "settings length %d", settingsLen)
	}
	flags = binary.BigEndian.Uint32(buf[4:])
	return settingsLen, flags, nil
}
