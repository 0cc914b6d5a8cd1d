// walker.go - metadata interpretation loop.
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

package metadata

import (
	"fmt"

	"github.com/katzenpost/core/log"
	"gopkg.in/op/go-logging.v1"

	"github.com/007pig/fred-sub002/fetcherr"
	"github.com/007pig/fred-sub002/keys"
)

// Limits are the walker's guard rails.
type Limits struct {
	MaxRecursionLevel           int
	MaxMetadataSize             int64
	MaxOutputLength             int64
	AllowedMIMETypes            []string
	IgnoreTooManyPathComponents bool
	ReturnZipManifests          bool
}

func (l *Limits) mimeAllowed(mime string) bool {
	if mime == "" || len(l.AllowedMIMETypes) == 0 {
		return true
	}
	for _, m := range l.AllowedMIMETypes {
		if m == mime {
			return true
		}
	}
	return false
}

// StepKind discriminates a walker step outcome.
type StepKind int

const (
	// StepSpawn asks the driver to run a child fetch and re-enter
	// the walk with its result.
	StepSpawn StepKind = iota

	// StepData means the walk resolved to final data.
	StepData

	// StepSplitfile means the walk resolved to a splitfile to be
	// fetched via a splitfile storage.
	StepSplitfile

	// StepFail terminates the walk with an error.
	StepFail
)

// ChildKind says how a spawned child's result feeds back in.
type ChildKind int

const (
	// ChildMetadata fetches bytes to be parsed as the next
	// metadata document.
	ChildMetadata ChildKind = iota

	// ChildArchive fetches an archive blob; the walk re-enters with
	// the archive contents available.
	ChildArchive

	// ChildRedirect restarts the walk at a new URI.
	ChildRedirect
)

// Step is the outcome of one Walk call.
type Step struct {
	Kind StepKind

	// Spawn fields.
	Child    ChildKind
	ChildURI *keys.URI

	// Data fields.
	Data []byte
	MIME string

	// Splitfile fields.
	SF     *SplitfileDesc
	SFMIME string

	// Fail field.
	Err *fetcherr.Error
}

// Walker consumes one metadata element per iteration, looping until
// a terminal step. It is re-entered by its driver after each spawned
// child completes.
type Walker struct {
	log    *logging.Logger
	limits *Limits

	metaStrings []string
	level       int
	archive     Archive
	fetchedURI  *keys.URI
}

// NewWalker creates a walker for a fetch of uri.
func NewWalker(logBackend *log.Backend, limits *Limits, uri *keys.URI) *Walker {
	return &Walker{
		log:         logBackend.GetLogger(fmt.Sprintf("Walker-%s", uri.Key.NodeKey())),
		limits:      limits,
		metaStrings: append([]string{}, uri.MetaStrings...),
		fetchedURI:  &keys.URI{Key: uri.Key},
	}
}

// Level returns the walker depth consumed so far.
func (w *Walker) Level() int {
	return w.level
}

// SetLevel carries depth already spent into a fresh walker so a
// redirect chain cannot reset the recursion guard.
func (w *Walker) SetLevel(level int) {
	w.level = level
}

// SetArchive makes a fetched archive's contents available to
// subsequent ArchiveInternalRedirect elements.
func (w *Walker) SetArchive(a Archive) {
	w.archive = a
}

// Remaining returns the path components not yet consumed.
func (w *Walker) Remaining() []string {
	return append([]string{}, w.metaStrings...)
}

func (w *Walker) fail(kind fetcherr.Kind, format string, a ...interface{}) *Step {
	e := fetcherr.New(kind, format, a...)
	if kind == fetcherr.TooManyPathComponents {
		// Report the truncated URI of what was actually fetched so
		// the client can present it.
		e.NewURI = w.fetchedURI.String()
	}
	return &Step{Kind: StepFail, Err: e}
}

// Walk interprets doc, consuming one element per loop iteration,
// until it produces a terminal step.
func (w *Walker) Walk(doc *Document) *Step {
	for {
		w.level++
		if w.level > w.limits.MaxRecursionLevel {
			return w.fail(fetcherr.TooMuchRecursion, "metadata depth %d", w.level)
		}
		step, next := w.walkOne(doc)
		if step != nil {
			return step
		}
		doc = next
	}
}

// walkOne interprets a single element. It returns either a terminal
// step or the next document to continue with.
func (w *Walker) walkOne(doc *Document) (*Step, *Document) {
	if doc.MIMEType != "" && !w.limits.mimeAllowed(doc.MIMEType) {
		return w.fail(fetcherr.WrongMimeType, "%s not allowed", doc.MIMEType), nil
	}
	switch doc.Type {
	case SimpleData:
		if len(w.metaStrings) > 0 && !w.limits.IgnoreTooManyPathComponents {
			return w.fail(fetcherr.TooManyPathComponents, "%d components left", len(w.metaStrings)), nil
		}
		if int64(len(doc.Data)) > w.limits.MaxOutputLength {
			return w.fail(fetcherr.TooBig, "data of %d bytes", len(doc.Data)), nil
		}
		return &Step{Kind: StepData, Data: doc.Data, MIME: doc.MIMEType}, nil

	case SimpleManifest:
		name := ""
		if len(w.metaStrings) > 0 {
			name, w.metaStrings = w.metaStrings[0], w.metaStrings[1:]
			w.fetchedURI.MetaStrings = append(w.fetchedURI.MetaStrings, name)
		}
		child, ok := doc.Children[name]
		if !ok {
			if name == "" {
				return w.fail(fetcherr.NotEnoughPathComponents, "no default document"), nil
			}
			return w.fail(fetcherr.DataNotFound, "no manifest entry %q", name), nil
		}
		return nil, child

	case ArchiveManifest:
		if w.limits.ReturnZipManifests {
			// Surface the archive whole instead of descending.
			uri, err := keys.ParseURI(doc.Target)
			if err != nil {
				return w.fail(fetcherr.InvalidMetadata, "archive target: %s", err), nil
			}
			return &Step{Kind: StepSpawn, Child: ChildRedirect, ChildURI: uri}, nil
		}
		uri, err := keys.ParseURI(doc.Target)
		if err != nil {
			return w.fail(fetcherr.InvalidMetadata, "archive target: %s", err), nil
		}
		return &Step{Kind: StepSpawn, Child: ChildArchive, ChildURI: uri}, nil

	case ArchiveInternalRedirect:
		if w.archive == nil {
			return w.fail(fetcherr.NotInArchive, "no archive fetched for %q", doc.Element), nil
		}
		raw, ok := w.archive[doc.Element]
		if !ok {
			return w.fail(fetcherr.NotInArchive, "no element %q", doc.Element), nil
		}
		child, err := Parse(raw, w.limits.MaxMetadataSize)
		if err != nil {
			return &Step{Kind: StepFail, Err: fetcherr.Wrap(fetcherr.InvalidMetadata, err)}, nil
		}
		return nil, child

	case MultiLevel:
		uri, err := keys.ParseURI(doc.Target)
		if err != nil {
			return w.fail(fetcherr.InvalidMetadata, "multi-level target: %s", err), nil
		}
		return &Step{Kind: StepSpawn, Child: ChildMetadata, ChildURI: uri}, nil

	case SimpleRedirect:
		uri, err := keys.ParseURI(doc.Target)
		if err != nil {
			return w.fail(fetcherr.InvalidMetadata, "redirect target: %s", err), nil
		}
		if IsArchiveMIME(doc.MIMEType) && len(w.metaStrings) > 0 {
			// Implicit archive manifest.
			return &Step{Kind: StepSpawn, Child: ChildArchive, ChildURI: uri}, nil
		}
		// Prepend the target's own components to the remainder.
		uri = uri.Push(nil)
		uri.MetaStrings = append(uri.MetaStrings, w.metaStrings...)
		w.metaStrings = nil
		return &Step{Kind: StepSpawn, Child: ChildRedirect, ChildURI: uri}, nil

	case Splitfile:
		if doc.SF == nil {
			return w.fail(fetcherr.InvalidMetadata, "splitfile without descriptor"), nil
		}
		if doc.SF.CrossSegment != 0 {
			return w.fail(fetcherr.UnsupportedFormat, "cross-segment redundancy"), nil
		}
		if len(w.metaStrings) > 0 && !w.limits.IgnoreTooManyPathComponents {
			return w.fail(fetcherr.TooManyPathComponents, "%d components left", len(w.metaStrings)), nil
		}
		if doc.SF.DataLength > w.limits.MaxOutputLength {
			return w.fail(fetcherr.TooBig, "splitfile of %d bytes", doc.SF.DataLength), nil
		}
		return &Step{Kind: StepSplitfile, SF: doc.SF, SFMIME: doc.MIMEType}, nil
	}
	return w.fail(fetcherr.UnknownMetadata, "type %d", doc.Type), nil
}
