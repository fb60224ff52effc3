// Copyright 2024-2026 Aiku AI

package bridge

import (
	"strings"

	"maunium.net/go/mautrix/id"
)

// managedPrefix is the localpart prefix of bridge-managed identities. The
// rest of the localpart is the receiver's international number without the
// leading plus.
const managedPrefix = "sms_"

// ManagedLocalpart returns the localpart of the managed identity for an
// E.164 phone number.
func ManagedLocalpart(number string) string {
	return managedPrefix + strings.TrimPrefix(number, "+")
}

// ManagedUserID returns the managed Matrix user ID for an E.164 phone number.
func ManagedUserID(number, domain string) id.UserID {
	return id.UserID("@" + ManagedLocalpart(number) + ":" + domain)
}

// ManagedRoomAlias returns the canonical alias of the single-mode room for an
// E.164 phone number. The alias localpart equals the managed identity's
// localpart.
func ManagedRoomAlias(number, domain string) id.RoomAlias {
	return id.RoomAlias("#" + ManagedLocalpart(number) + ":" + domain)
}

// NumberFromUserID extracts the E.164 phone number from a managed user ID.
// The second return value is false for user IDs the bridge does not manage.
func NumberFromUserID(userID id.UserID) (string, bool) {
	localpart, ok := strings.CutPrefix(string(userID), "@"+managedPrefix)
	if !ok {
		return "", false
	}
	number, _, ok := strings.Cut(localpart, ":")
	if !ok || number == "" {
		return "", false
	}
	return "+" + number, true
}

// IsManagedUserID reports whether the user ID belongs to a bridge-managed
// identity.
func IsManagedUserID(userID id.UserID) bool {
	_, ok := NumberFromUserID(userID)
	return ok
}
