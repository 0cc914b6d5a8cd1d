// bucket.go - temporary byte storage.
// Copyright (C) 2018  David Stainton.
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

// Package bucket provides temporary byte storage for fetched data,
// either in memory or backed by a file, and random access files for
// the splitfile storage layer.
package bucket

import (
	"bytes"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

// Bucket is a byte container with a single writer followed by any
// number of readers.
type Bucket interface {
	// Write appends to the bucket.
	io.Writer

	// NewReader returns a reader over the bucket's current contents.
	NewReader() (io.ReadCloser, error)

	// Size returns the number of bytes written so far.
	Size() int64

	// Free releases the bucket's backing storage.
	Free()
}

// RandomAccessThing is a fixed size region supporting positioned
// reads and writes.
type RandomAccessThing interface {
	// Pread reads len(p) bytes at off.
	Pread(p []byte, off int64) error

	// Pwrite writes len(p) bytes at off.
	Pwrite(p []byte, off int64) error

	// Length returns the region size.
	Length() int64

	// Close flushes and closes the region, keeping its contents.
	Close() error

	// Free closes the region and discards its contents.
	Free()
}

// Factory makes buckets and random access regions.
type Factory interface {
	MakeBucket(hintSize int64) (Bucket, error)
	MakeRAF(size int64) (RandomAccessThing, error)
}

// memBucket is a heap backed bucket.
type memBucket struct {
	sync.Mutex
	buf  []byte
	free bool
}

func (m *memBucket) Write(p []byte) (int, error) {
	m.Lock()
	defer m.Unlock()
	if m.free {
		return 0, errors.New("bucket: write after free")
	}
	m.buf = append(m.buf, p...)
	return len(p), nil
}

func (m *memBucket) NewReader() (io.ReadCloser, error) {
	m.Lock()
	defer m.Unlock()
	if m.free {
		return nil, errors.New("bucket: read after free")
	}
	buf := make([]byte, len(m.buf))
	copy(buf, m.buf)
	return ioutil.NopCloser(bytes.NewReader(buf)), nil
}

func (m *memBucket) Size() int64 {
	m.Lock()
	defer m.Unlock()
	return int64(len(m.buf))
}

func (m *memBucket) Free() {
	m.Lock()
	defer m.Unlock()
	m.buf = nil
	m.free = true
}

// fileRAF is a file backed RandomAccessThing.
type fileRAF struct {
	f    *os.File
	size int64
}

func (r *fileRAF) Pread(p []byte, off int64) error {
	_, err := r.f.ReadAt(p, off)
	return errors.Wrap(err, "bucket: pread")
}

func (r *fileRAF) Pwrite(p []byte, off int64) error {
	_, err := r.f.WriteAt(p, off)
	return errors.Wrap(err, "bucket: pwrite")
}

func (r *fileRAF) Length() int64 {
	return r.size
}

func (r *fileRAF) Close() error {
	if err := r.f.Sync(); err != nil {
		return errors.Wrap(err, "bucket: sync")
	}
	return r.f.Close()
}

func (r *fileRAF) Free() {
	name := r.f.Name()
	r.f.Close()
	os.Remove(name)
}

// DiskFactory makes file backed buckets and regions below a
// directory.
type DiskFactory struct {
	dir string
	seq uint64
	sync.Mutex
}

// NewDiskFactory creates a DiskFactory rooted at dir.
func NewDiskFactory(dir string) (*DiskFactory, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrap(err, "bucket: mkdir")
	}
	return &DiskFactory{dir: dir}, nil
}

// MakeBucket returns a memory bucket for small hints and a temp file
// backed bucket otherwise.
func (d *DiskFactory) MakeBucket(hintSize int64) (Bucket, error) {
	if hintSize >= 0 && hintSize <= 1<<20 {
		return new(memBucket), nil
	}
	f, err := ioutil.TempFile(d.dir, "bucket")
	if err != nil {
		return nil, errors.Wrap(err, "bucket: tempfile")
	}
	return &fileBucket{f: f}, nil
}

// MakeNamedRAF creates or truncates a named region below the
// factory root; callers use this for files that must be findable
// again after a restart.
func (d *DiskFactory) MakeNamedRAF(name string, size int64) (RandomAccessThing, error) {
	return CreateRAF(filepath.Join(d.dir, name), size)
}

// OpenNamedRAF reopens a named region, preserving its contents.
func (d *DiskFactory) OpenNamedRAF(name string) (RandomAccessThing, error) {
	return OpenRAF(filepath.Join(d.dir, name))
}

// MakeRAF creates a fixed size random access file.
func (d *DiskFactory) MakeRAF(size int64) (RandomAccessThing, error) {
	d.Lock()
	d.seq++
	name := filepath.Join(d.dir, "raf"+strconv.FormatUint(d.seq, 10))
	d.Unlock()
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "bucket: open raf")
	}
	if err = f.Truncate(size); err != nil {
		f.Close()
		os.Remove(name)
		return nil, errors.Wrap(err, "bucket: truncate raf")
	}
	return &fileRAF{f: f, size: size}, nil
}

// OpenRAF reopens an existing random access file, preserving its
// contents, for resume.
func OpenRAF(name string) (RandomAccessThing, error) {
	f, err := os.OpenFile(name, os.O_RDWR, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "bucket: open raf")
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "bucket: stat raf")
	}
	return &fileRAF{f: f, size: fi.Size()}, nil
}

// CreateRAF creates or truncates a named random access file.
func CreateRAF(name string, size int64) (RandomAccessThing, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "bucket: create raf")
	}
	if err = f.Truncate(size); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "bucket: truncate raf")
	}
	return &fileRAF{f: f, size: size}, nil
}

// fileBucket is a temp file backed bucket.
type fileBucket struct {
	sync.Mutex
	f    *os.File
	size int64
}

func (b *fileBucket) Write(p []byte) (int, error) {
	b.Lock()
	defer b.Unlock()
	n, err := b.f.Write(p)
	b.size += int64(n)
	return n, errors.Wrap(err, "bucket: write")
}

func (b *fileBucket) NewReader() (io.ReadCloser, error) {
	b.Lock()
	defer b.Unlock()
	return os.Open(b.f.Name())
}

func (b *fileBucket) Size() int64 {
	b.Lock()
	defer b.Unlock()
	return b.size
}

func (b *fileBucket) Free() {
	b.Lock()
	defer b.Unlock()
	name := b.f.Name()
	b.f.Close()
	os.Remove(name)
}
