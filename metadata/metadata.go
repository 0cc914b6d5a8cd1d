// metadata.go - client metadata documents.
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

// Package metadata interprets fetched metadata documents: manifests,
// archives, redirects and splitfile descriptors, and drives the
// walker that turns them into the next fetch step.
package metadata

import (
	"github.com/ugorji/go/codec"

	"github.com/007pig/fred-sub002/fetcherr"
	"github.com/007pig/fred-sub002/keys"
)

var cborHandle = new(codec.CborHandle)

// Document types.
const (
	// SimpleData marks a document whose payload is the final data.
	SimpleData = uint8(0)

	// SimpleManifest maps path component names to child documents.
	SimpleManifest = uint8(1)

	// ArchiveManifest redirects into an archive whose contents are a
	// named element map.
	ArchiveManifest = uint8(2)

	// ArchiveInternalRedirect names an element inside the enclosing
	// archive.
	ArchiveInternalRedirect = uint8(3)

	// MultiLevel redirects to a document whose payload is more
	// metadata.
	MultiLevel = uint8(4)

	// SimpleRedirect points at another URI.
	SimpleRedirect = uint8(5)

	// Splitfile describes FEC coded segments.
	Splitfile = uint8(6)
)

// SplitfileDesc describes the segments of a splitfile document.
type SplitfileDesc struct {
	DataLength   int64
	Codecs       []uint16
	CrossSegment uint16

	// SegK is each segment's data block count.
	SegK []int

	// SegKeys holds each segment's serialized client keys, data
	// blocks first.
	SegKeys [][][]byte
}

// Document is one metadata element. Exactly the fields implied by
// Type are populated.
type Document struct {
	Type     uint8
	MIMEType string

	// Data carries the payload of a SimpleData document.
	Data []byte

	// Children maps names to child documents for SimpleManifest;
	// the empty name is the default document.
	Children map[string]*Document

	// Target is the URI string of ArchiveManifest, MultiLevel and
	// SimpleRedirect documents.
	Target string

	// Element is the archive element name of an
	// ArchiveInternalRedirect.
	Element string

	// SF describes a Splitfile document.
	SF *SplitfileDesc
}

// ToBytes serializes the document as CBOR.
func (d *Document) ToBytes() ([]byte, error) {
	var out []byte
	enc := codec.NewEncoderBytes(&out, cborHandle)
	if err := enc.Encode(d); err != nil {
		return nil, err
	}
	return out, nil
}

// Parse deserializes a metadata document, enforcing the size cap
// before any decoding happens.
func Parse(raw []byte, maxMetadataSize int64) (*Document, error) {
	if int64(len(raw)) > maxMetadataSize {
		return nil, fetcherr.New(fetcherr.TooBig, "metadata of %d bytes", len(raw))
	}
	d := new(Document)
	dec := codec.NewDecoderBytes(raw, cborHandle)
	if err := dec.Decode(d); err != nil {
		return nil, fetcherr.New(fetcherr.InvalidMetadata, "cbor: %s", err)
	}
	if d.Type > Splitfile {
		return nil, fetcherr.New(fetcherr.UnknownMetadata, "type %d", d.Type)
	}
	return d, nil
}

// SplitfileKeys decodes the descriptor's serialized keys.
func (sf *SplitfileDesc) SplitfileKeys() ([][]keys.ClientKey, error) {
	if len(sf.SegKeys) != len(sf.SegK) {
		return nil, fetcherr.New(fetcherr.InvalidMetadata, "segment count mismatch")
	}
	out := make([][]keys.ClientKey, len(sf.SegKeys))
	for i, raw := range sf.SegKeys {
		segKeys := make([]keys.ClientKey, len(raw))
		for j, kb := range raw {
			ck, err := keys.FromBytes(kb)
			if err != nil {
				return nil, fetcherr.New(fetcherr.InvalidMetadata, "segment %d key %d: %s", i, j, err)
			}
			segKeys[j] = ck
		}
		out[i] = segKeys
	}
	return out, nil
}

// Archive is the decoded contents of a fetched archive: a map of
// element names to raw bytes.
type Archive map[string][]byte

// ParseArchive decodes an archive blob.
func ParseArchive(raw []byte) (Archive, error) {
	a := make(Archive)
	dec := codec.NewDecoderBytes(raw, cborHandle)
	if err := dec.Decode(&a); err != nil {
		return nil, fetcherr.New(fetcherr.InvalidMetadata, "archive: %s", err)
	}
	return a, nil
}

// ToBytes serializes an archive.
func (a Archive) ToBytes() ([]byte, error) {
	var out []byte
	enc := codec.NewEncoderBytes(&out, cborHandle)
	if err := enc.Encode(a); err != nil {
		return nil, err
	}
	return out, nil
}

// archiveMIMETypes are the MIME types treated as implicit archive
// manifests by the walker.
var archiveMIMETypes = map[string]bool{
	"application/zip":            true,
	"application/x-freenet-arch": true,
}

// IsArchiveMIME reports whether mime names an archive container.
func IsArchiveMIME(mime string) bool {
	return archiveMIMETypes[mime]
}
