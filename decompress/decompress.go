// decompress.go - decompressor chain.
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

// Package decompress applies the declared codec chain to assembled
// fetch output.
package decompress

import (
	"bytes"
	"compress/gzip"
	"io"
	"io/ioutil"

	"github.com/golang/snappy"

	"github.com/007pig/fred-sub002/fetcherr"
)

const (
	// CodecGzip identifies the gzip codec in metadata.
	CodecGzip = uint16(1)

	// CodecSnappy identifies the snappy stream codec in metadata.
	CodecSnappy = uint16(2)

	// MaxCodecs bounds the declared chain length.
	MaxCodecs = 2
)

// Known reports whether codec is implemented.
func Known(codec uint16) bool {
	return codec == CodecGzip || codec == CodecSnappy
}

// Apply runs data through the codec chain in reverse declaration
// order, enforcing maxOutputLength on the result.
func Apply(data []byte, codecs []uint16, maxOutputLength int64) ([]byte, error) {
	if len(codecs) > MaxCodecs {
		return nil, fetcherr.New(fetcherr.UnsupportedFormat, "codec chain of %d", len(codecs))
	}
	for i := len(codecs) - 1; i >= 0; i-- {
		var err error
		data, err = applyOne(data, codecs[i], maxOutputLength)
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

func applyOne(data []byte, codec uint16, maxOutputLength int64) ([]byte, error) {
	var r io.Reader
	switch codec {
	case CodecGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fetcherr.New(fetcherr.InvalidMetadata, "gzip: %s", err)
		}
		defer zr.Close()
		r = zr
	case CodecSnappy:
		r = snappy.NewReader(bytes.NewReader(data))
	default:
		return nil, fetcherr.New(fetcherr.UnsupportedFormat, "codec %d", codec)
	}
	out, err := ioutil.ReadAll(io.LimitReader(r, maxOutputLength+1))
	if err != nil {
		return nil, fetcherr.New(fetcherr.BucketError, "decompress: %s", err)
	}
	if int64(len(out)) > maxOutputLength {
		return nil, fetcherr.New(fetcherr.TooBig, "decompressed output exceeds %d", maxOutputLength)
	}
	return out, nil
}
