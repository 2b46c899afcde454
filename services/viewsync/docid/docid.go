// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package docid normalizes document identities reported by editor hosts.
//
// Hosts describe the same document in several spellings: a native file path,
// a file:// URI, Windows drive letters in either case, backslashes. All
// comparisons in viewsync go through Normalize so that "/Foo.ts",
// "/foo.ts" and "file:///foo.ts" name one document.
package docid

import (
	"net/url"
	"path"
	"strings"
)

// Normalize returns the comparison key for a file path or file URI.
//
// Keys are lower-cased; hosts running on case-insensitive file systems
// report a document with whatever casing the user opened it with.
// An empty or blank identity normalizes to "".
func Normalize(identity string) string {
	s := strings.TrimSpace(identity)
	if s == "" {
		return ""
	}

	if strings.HasPrefix(strings.ToLower(s), "file:") {
		if u, err := url.Parse(s); err == nil {
			p := u.Path
			if u.Host != "" && !strings.EqualFold(u.Host, "localhost") {
				// UNC share: file://server/share/x -> //server/share/x
				p = "//" + u.Host + p
			}
			s = p
		}
	}

	s = strings.ReplaceAll(s, "\\", "/")

	// "/c:/src" (URI form) and "c:/src" (native form) are the same drive path.
	if len(s) >= 3 && s[0] == '/' && s[2] == ':' {
		s = s[1:]
	}

	unc := strings.HasPrefix(s, "//")
	s = path.Clean(s)
	if unc && !strings.HasPrefix(s, "//") {
		s = "/" + s
	}
	return strings.ToLower(s)
}

// Same reports whether a and b identify the same document.
// Two empty identities are never the same document.
func Same(a, b string) bool {
	na := Normalize(a)
	return na != "" && na == Normalize(b)
}

// FileURI converts a native file path into a file:// URI.
// Input that already carries a scheme is returned unchanged.
func FileURI(filePath string) string {
	if filePath == "" {
		return ""
	}
	if strings.Contains(filePath, "://") {
		return filePath
	}

	s := strings.ReplaceAll(filePath, "\\", "/")
	if len(s) >= 2 && s[1] == ':' {
		s = "/" + s
	}
	u := url.URL{Scheme: "file", Path: s}
	return u.String()
}
