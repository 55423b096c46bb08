package auth

import (
	"crypto/md5"

	"github.com/google/uuid"
)

// GameProfile identifies an authenticated (or offline-derived) player.
type GameProfile struct {
	ID   uuid.UUID
	Name string
}

// ValidUsername reports whether a declared username is acceptable:
// 1-16 characters from [A-Za-z0-9_].
func ValidUsername(name string) bool {
	if len(name) == 0 || len(name) > 16 {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_':
		default:
			return false
		}
	}
	return true
}

// OfflineProfile derives the offline-mode profile for a username:
// a version-3 UUID over "OfflinePlayer:" + name.
func OfflineProfile(name string) GameProfile {
	sum := md5.Sum([]byte("OfflinePlayer:" + name))
	var id uuid.UUID
	copy(id[:], sum[:])
	id[6] = (id[6] & 0x0F) | 0x30 // version 3
	id[8] = (id[8] & 0x3F) | 0x80 // RFC 4122 variant
	return GameProfile{ID: id, Name: name}
}
