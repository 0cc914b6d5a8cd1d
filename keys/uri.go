// uri.go - client layer URIs.
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

package keys

import (
	"encoding/base64"
	"errors"
	"strings"
)

var (
	// ErrURIFormat is returned for unparseable URIs.
	ErrURIFormat = errors.New("keys: malformed URI")

	uriEncoding = base64.RawURLEncoding
)

// URI names a fetchable document: a client key plus the path
// components that steer the metadata walker below it.
type URI struct {
	Key         ClientKey
	MetaStrings []string
}

// ParseURI parses "CHK@<key>/a/b" or "SSK@<key>/site/doc" form.
func ParseURI(s string) (*URI, error) {
	at := strings.Index(s, "@")
	if at < 0 {
		return nil, ErrURIFormat
	}
	keyType := s[:at]
	rest := s[at+1:]
	parts := strings.Split(rest, "/")
	raw, err := uriEncoding.DecodeString(parts[0])
	if err != nil || len(raw) != ClientKeyLength-2 {
		return nil, ErrURIFormat
	}
	var typed []byte
	switch keyType {
	case "CHK":
		typed = append([]byte{0, TypeCHK}, raw...)
	case "SSK":
		typed = append([]byte{0, TypeSSK}, raw...)
	default:
		return nil, ErrURIFormat
	}
	key, err := FromBytes(typed)
	if err != nil {
		return nil, err
	}
	metaStrings := []string{}
	for _, p := range parts[1:] {
		metaStrings = append(metaStrings, p)
	}
	return &URI{Key: key, MetaStrings: metaStrings}, nil
}

// String renders the URI back to its textual form.
func (u *URI) String() string {
	var sb strings.Builder
	switch u.Key.Type() {
	case TypeCHK:
		sb.WriteString("CHK@")
	case TypeSSK:
		sb.WriteString("SSK@")
	}
	sb.WriteString(uriEncoding.EncodeToString(u.Key.ToBytes()[2:]))
	for _, m := range u.MetaStrings {
		sb.WriteString("/")
		sb.WriteString(m)
	}
	return sb.String()
}

// Push returns a copy of the URI with the given meta strings
// prepended to the remainder.
func (u *URI) Push(metaStrings []string) *URI {
	ms := make([]string, 0, len(metaStrings)+len(u.MetaStrings))
	ms = append(ms, metaStrings...)
	ms = append(ms, u.MetaStrings...)
	return &URI{Key: u.Key, MetaStrings: ms}
}

// Pop splits off the first meta string.
func (u *URI) Pop() (string, *URI) {
	if len(u.MetaStrings) == 0 {
		return "", u
	}
	return u.MetaStrings[0], &URI{Key: u.Key, MetaStrings: u.MetaStrings[1:]}
}
