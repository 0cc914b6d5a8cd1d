// resume.go - reopening a storage after restart.
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
	"encoding/binary"

	"github.com/katzenpost/core/crypto/rand"

	"github.com/007pig/fred-sub002/bucket"
	"github.com/007pig/fred-sub002/constants"
	"github.com/007pig/fred-sub002/fetcherr"
	"github.com/007pig/fred-sub002/keys"
)

// Open resumes a storage from its file. The footer, version, basic
// settings and every key list must validate; segment statuses that
// fail their checksum are rebuilt by scanning the block store, and a
// missing general progress section falls back to defaults. Every
// segment that previously reported succeeded either still does, with
// readable block data, or is demoted to a fresh decode attempt.
func Open(deps *Deps, raf bucket.RandomAccessThing, prio constants.Priority, client interface{}, listener Listener) (*Storage, error) {
	// Steps 1-3: footer magic, version, checksum type, settings
	// length.
	settingsLen, _, err := readFooter(raf)
	if err != nil {
		return nil, err
	}
	size := raf.Length()
	settingsOff := size - footerLength - settingsLen - checksumLength
	if settingsOff < 0 {
		return nil, fetcherr.New(fetcherr.WrongFormat, "settings do not fit")
	}

	// Step 4: parse basic settings under their own checksum.
	settings, err := readChecksummed(raf, settingsOff, settingsLen+checksumLength)
	if err != nil {
		return nil, err
	}
	params, l, err := parseBasicSettings(settings)
	if err != nil {
		return nil, err
	}

	// Step 8 (early, before any section read trusts an offset):
	// every stored offset must be inside the file.
	if l.totalLength != size {
		return nil, fetcherr.New(fetcherr.StorageFormat, "layout length %d != file length %d", l.totalLength, size)
	}
	for _, off := range []int64{l.offsetKeyList, l.offsetSegStatus, l.offsetGenProg,
		l.offsetMainBloom, l.offsetSegBloom, l.offsetOrigMeta, l.offsetOrigDet, l.offsetBasicSet} {
		if off < 0 || off > size {
			return nil, fetcherr.New(fetcherr.StorageFormat, "offset %d outside file", off)
		}
	}

	// Step 6: segment key lists; checksum failure here is fatal.
	params.SegKeys = make([][]keys.ClientKey, len(l.shapes))
	off := l.offsetKeyList
	for i, shape := range l.shapes {
		body, err := readChecksummed(raf, off, l.keyListStride[i])
		if err != nil {
			return nil, err
		}
		if len(body) != 4+shape.N*keys.ClientKeyLength {
			return nil, fetcherr.New(fetcherr.StorageFormat, "key list %d length", i)
		}
		if int(binary.BigEndian.Uint16(body[0:])) != shape.K ||
			int(binary.BigEndian.Uint16(body[2:])) != shape.N {
			return nil, fetcherr.New(fetcherr.StorageFormat, "key list %d shape", i)
		}
		segKeys := make([]keys.ClientKey, shape.N)
		for j := 0; j < shape.N; j++ {
			ck, err := keys.FromBytes(body[4+j*keys.ClientKeyLength : 4+(j+1)*keys.ClientKeyLength])
			if err != nil {
				return nil, fetcherr.New(fetcherr.StorageFormat, "key list %d entry %d: %s", i, j, err)
			}
			segKeys[j] = ck
		}
		params.SegKeys[i] = segKeys
		off += l.keyListStride[i]
	}

	// Restore the original metadata for restart-from-scratch use.
	if body, err := readChecksummed(raf, l.offsetOrigMeta, l.origMetaLength); err == nil {
		params.OriginalMetadata = body
	}

	s := newStorage(deps, params, l, raf, prio, client, listener)
	for i := range l.shapes {
		s.segments[i] = newSegment(s, i, l.shapes[i], params.SegKeys[i])
	}

	// Step 5: per segment status; a checksum failure only
	// invalidates that segment, which is rebuilt from the block
	// store and keys.
	for i, seg := range s.segments {
		statusOff := l.offsetSegStatus + int64(i)*l.segStatusStride
		body, err := readChecksummed(raf, statusOff, segStatusLength(seg.shape.N))
		restored := false
		if err == nil {
			restored = seg.restoreStatus(body)
		}
		if !restored {
			s.log.Warningf("segment %d status invalid, scanning block store", i)
			seg.scanFromBlockStore()
			seg.persistStatus()
		}
	}

	// Step 7: general progress; failure resets to defaults.
	if body, err := readChecksummed(raf, l.offsetGenProg, genProgressLength); err == nil {
		flags := binary.BigEndian.Uint32(body)
		s.Lock()
		s.hasCheckedDatastore = flags&flagHasCheckedDatastore != 0
		s.Unlock()
	} else {
		s.log.Warningf("general progress invalid, using defaults")
	}

	// Bloom filters are always regenerated from the validated key
	// lists before the storage may schedule; a filter section whose
	// salt cannot be read gets a fresh salt and a rewrite.
	var salt [bloomSaltLength]byte
	body, err := readChecksummed(raf, l.offsetMainBloom, l.mainBloomLength)
	if err == nil && len(body) >= bloomSaltLength {
		copy(salt[:], body[:bloomSaltLength])
	} else {
		s.log.Warningf("bloom section invalid, resalting")
		if _, err := rand.Reader.Read(salt[:]); err != nil {
			return nil, err
		}
	}
	s.buildBlooms(salt)
	if err := s.writeBlooms(salt); err != nil {
		return nil, err
	}
	s.persist.flush()
	return s, nil
}

// UnfetchedKeys returns the routing keys the storage still needs,
// segment by segment in slot order.
func (s *Storage) UnfetchedKeys() []keys.RoutingKey {
	var out []keys.RoutingKey
	for _, seg := range s.segments {
		seg.Lock()
		for i, sl := range seg.slots {
			if sl.state != slotSucceeded && sl.state != slotFailed {
				out = append(out, seg.keys[i].NodeKey())
			}
		}
		seg.Unlock()
	}
	return out
}
