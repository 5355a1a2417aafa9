// Package model holds the record types stored by guardianctl and their
// binary codecs.
package model

// Location is a user's postal address.
type Location struct {
	Street  string
	City    string
	Country string
	Postal  string
}

// Profile is optional user detail. A nil Profile encodes as absent, which
// lets records written before profiles existed decode unchanged.
type Profile struct {
	Age       uint32
	Job       string
	Interests []string
}

// User is an account record.
type User struct {
	ID       uint64
	Name     string
	Email    string
	Location Location
	Profile  *Profile
	// Created and Updated are unix seconds.
	Created uint64
	Updated uint64
}
