package protocol

import (
	"strings"
	"unicode"
)

// ValidUsername reports whether name can be stored in the credential file
// and carried in list fields.
func ValidUsername(name string) bool {
	if name == "" || strings.ContainsFunc(name, unicode.IsSpace) {
		return false
	}
	return !strings.ContainsAny(name, ListDelim+";")
}

// ValidRoomName reports whether name can be used as a room and as the name
// of its storage directory.
func ValidRoomName(name string) bool {
	if name == "" || strings.ContainsFunc(name, unicode.IsSpace) {
		return false
	}
	if strings.HasPrefix(name, ".") {
		return false
	}
	return !strings.ContainsAny(name, ListDelim+`/\`)
}

// ValidFilename reports whether name is acceptable for a stored room file.
// Dot-prefixed names are reserved for the server's staging area.
func ValidFilename(name string) bool {
	if name == "" || strings.ContainsFunc(name, unicode.IsSpace) {
		return false
	}
	if strings.HasPrefix(name, ".") || strings.Contains(name, "..") {
		return false
	}
	return !strings.ContainsAny(name, ListDelim+`;/\`)
}
