// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

const contentURIScheme = "mxc://"

// ContentURI is a Matrix media repository URI ("mxc://server/mediaID"),
// as returned by a media upload and used for avatars.
type ContentURI struct {
	uri string
}

// ParseContentURI validates and wraps an mxc:// URI.
func ParseContentURI(raw string) (ContentURI, error) {
	rest, ok := strings.CutPrefix(raw, contentURIScheme)
	if !ok {
		return ContentURI{}, fmt.Errorf("content URI must start with %s: %q", contentURIScheme, raw)
	}
	server, mediaID, ok := strings.Cut(rest, "/")
	if !ok || server == "" || mediaID == "" {
		return ContentURI{}, fmt.Errorf("content URI must be mxc://server/mediaID: %q", raw)
	}
	return ContentURI{uri: raw}, nil
}

// MustParseContentURI is like ParseContentURI but panics on error.
func MustParseContentURI(raw string) ContentURI {
	c, err := ParseContentURI(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseContentURI(%q): %v", raw, err))
	}
	return c
}

// String returns the full mxc:// URI.
func (c ContentURI) String() string { return c.uri }

// IsZero reports whether the ContentURI is the zero value.
func (c ContentURI) IsZero() bool { return c.uri == "" }

// MarshalText implements encoding.TextMarshaler.
func (c ContentURI) MarshalText() ([]byte, error) { return marshalID(c.uri) }

// UnmarshalText implements encoding.TextUnmarshaler. An empty input
// produces the zero value.
func (c *ContentURI) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*c = ContentURI{}
		return nil
	}
	parsed, err := ParseContentURI(string(data))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
