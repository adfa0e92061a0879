// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package telegram

// User is a full Telegram user profile as returned by GetMe, GetUser, or
// sign-in. Phone is only present when the account is in the fetching
// session's contacts (or is the session's own account).
type User struct {
	ID        UserID        `json:"id" cbor:"id"`
	Username  string        `json:"username,omitempty" cbor:"username,omitempty"`
	FirstName string        `json:"first_name,omitempty" cbor:"first_name,omitempty"`
	LastName  string        `json:"last_name,omitempty" cbor:"last_name,omitempty"`
	Phone     string        `json:"phone,omitempty" cbor:"phone,omitempty"`
	Bot       bool          `json:"bot,omitempty" cbor:"bot,omitempty"`
	Deleted   bool          `json:"deleted,omitempty" cbor:"deleted,omitempty"`
	Photo     *ProfilePhoto `json:"photo,omitempty" cbor:"photo,omitempty"`
}

// ProfilePhoto references a user's current profile photo. ID is opaque
// and changes whenever the photo does.
type ProfilePhoto struct {
	ID string `json:"id" cbor:"id"`
}

// Names holds the raw name fields Telegram reports for a user.
type Names struct {
	Username  string
	FirstName string
	LastName  string
}

// FullName joins the first and last name.
func (n Names) FullName() string {
	switch {
	case n.FirstName == "":
		return n.LastName
	case n.LastName == "":
		return n.FirstName
	default:
		return n.FirstName + " " + n.LastName
	}
}

// NameInfo is a source of name fields: either a full [*User] profile or
// a name-only [*UserName] notification.
type NameInfo interface {
	// NameFields returns the raw name fields.
	NameFields() Names

	// Profile returns the full profile, or nil for a name-only
	// notification.
	Profile() *User
}

// NameFields implements [NameInfo].
func (u *User) NameFields() Names {
	return Names{Username: u.Username, FirstName: u.FirstName, LastName: u.LastName}
}

// Profile implements [NameInfo].
func (u *User) Profile() *User { return u }

// NameFields implements [NameInfo].
func (u *UserName) NameFields() Names {
	return Names{Username: u.Username, FirstName: u.FirstName, LastName: u.LastName}
}

// Profile implements [NameInfo]. Name notifications carry no profile.
func (u *UserName) Profile() *User { return nil }

var (
	_ NameInfo = (*User)(nil)
	_ NameInfo = (*UserName)(nil)
)
