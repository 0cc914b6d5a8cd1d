// errors.go - fetch error taxonomy.
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

// Package fetcherr defines the error taxonomy of the fetch engine.
package fetcherr

import (
	"fmt"
	"sort"
	"strings"
)

// Kind is a stable identifier for a fetch failure class. The string
// form is what gets serialized, so values must not be renumbered.
type Kind int

const (
	// Transport, retryable.
	RouteNotFound Kind = iota
	RouteReallyNotFound
	RejectedOverload
	TransferFailed
	RecentlyFailed

	// Transport, fatal.
	Cancelled
	InternalError

	// Data.
	DataNotFound
	BlockDecodeError
	VerifyFailed
	TooBig

	// Structural.
	InvalidMetadata
	TooMuchRecursion
	TooManyPathComponents
	NotEnoughPathComponents
	NotInArchive
	UnknownMetadata
	WrongMimeType
	UnsupportedFormat

	// Storage.
	BucketError
	SplitfileFailed
	ChecksumFailed
	StorageFormat
	WrongFormat
	DiskFull

	// Redirect.
	PermanentRedirect

	numKinds
)

var kindNames = map[Kind]string{
	RouteNotFound:           "RouteNotFound",
	RouteReallyNotFound:     "RouteReallyNotFound",
	RejectedOverload:        "RejectedOverload",
	TransferFailed:          "TransferFailed",
	RecentlyFailed:          "RecentlyFailed",
	Cancelled:               "Cancelled",
	InternalError:           "InternalError",
	DataNotFound:            "DataNotFound",
	BlockDecodeError:        "BlockDecodeError",
	VerifyFailed:            "VerifyFailed",
	TooBig:                  "TooBig",
	InvalidMetadata:         "InvalidMetadata",
	TooMuchRecursion:        "TooMuchRecursion",
	TooManyPathComponents:   "TooManyPathComponents",
	NotEnoughPathComponents: "NotEnoughPathComponents",
	NotInArchive:            "NotInArchive",
	UnknownMetadata:         "UnknownMetadata",
	WrongMimeType:           "WrongMimeType",
	UnsupportedFormat:       "UnsupportedFormat",
	BucketError:             "BucketError",
	SplitfileFailed:         "SplitfileError",
	ChecksumFailed:          "ChecksumFailed",
	StorageFormat:           "StorageFormat",
	WrongFormat:             "WrongFormat",
	DiskFull:                "DiskFull",
	PermanentRedirect:       "PermanentRedirect",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Retryable returns true if failures of this kind count against the
// retry budget instead of terminating the request.
func (k Kind) Retryable() bool {
	switch k {
	case RouteNotFound, RouteReallyNotFound, RejectedOverload,
		TransferFailed, RecentlyFailed, DataNotFound:
		return true
	}
	return false
}

// Fatal returns true if a single occurrence terminates the request.
func (k Kind) Fatal() bool {
	return !k.Retryable()
}

// Error is a fetch failure. NewURI is set for PermanentRedirect and
// TooManyPathComponents (the truncated URI of what was actually
// fetched); ExpectedSize is advisory.
type Error struct {
	Kind         Kind
	Msg          string
	NewURI       string
	ExpectedSize int64
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Msg
}

// New creates an Error of the given kind.
func New(kind Kind, format string, a ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, a...)}
}

// Wrap annotates err with a kind, preserving an existing *Error kind
// tally where err already is one.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return &Error{Kind: kind}
	}
	if fe, ok := err.(*Error); ok {
		return fe
	}
	return &Error{Kind: kind, Msg: err.Error()}
}

// KindOf extracts the failure kind of err, defaulting to InternalError
// for foreign errors.
func KindOf(err error) Kind {
	if fe, ok := err.(*Error); ok {
		return fe.Kind
	}
	if _, ok := err.(*SplitfileError); ok {
		return SplitfileFailed
	}
	return InternalError
}

// SplitfileError reports the failure of a whole splitfile download,
// carrying a tally of its children's failure kinds.
type SplitfileError struct {
	Counts map[Kind]int
}

// NewSplitfileError creates an empty SplitfileError.
func NewSplitfileError() *SplitfileError {
	return &SplitfileError{Counts: make(map[Kind]int)}
}

// Record adds one child failure of the given kind to the tally.
func (e *SplitfileError) Record(kind Kind) {
	e.Counts[kind]++
}

// Merge folds another tally into this one.
func (e *SplitfileError) Merge(other *SplitfileError) {
	for k, n := range other.Counts {
		e.Counts[k] += n
	}
}

// Total returns the number of recorded child failures.
func (e *SplitfileError) Total() int {
	total := 0
	for _, n := range e.Counts {
		total += n
	}
	return total
}

func (e *SplitfileError) Error() string {
	kinds := make([]Kind, 0, len(e.Counts))
	for k := range e.Counts {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, fmt.Sprintf("%s=%d", k, e.Counts[k]))
	}
	return "SplitfileError: " + strings.Join(parts, " ")
}
