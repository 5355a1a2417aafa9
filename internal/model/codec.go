package model

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/matteso1/guardian/internal/codec"
)

// UserTypeID identifies User payloads.
const UserTypeID uint32 = 0x55534552 // "USER"

// userVersion is the newest layout UserCodec writes and reads.
const userVersion = 1

// fixedSize covers version, id, created and updated.
const fixedSize = 1 + 8 + 8 + 8

var be = binary.BigEndian

var errTruncated = errors.New("user record truncated")

// UserCodec encodes User records, big endian.
//
// Layout v1:
//   - Version (1 byte)
//   - ID, Created, Updated (8 bytes each)
//   - Name, Email, Street, City, Country, Postal (2 byte length + bytes each)
//   - Profile flag (1 byte); when set:
//     Age (4 bytes), Job (string), interest count (2 bytes), interests (strings)
type UserCodec struct{}

var _ codec.Codec[User] = UserCodec{}

func (UserCodec) TypeID() uint32             { return UserTypeID }
func (UserCodec) ByteOrder() codec.ByteOrder { return codec.BigEndian }
func (UserCodec) Name() string               { return "user/v1" }

// Encode serializes u. Strings longer than 65535 bytes are rejected.
func (UserCodec) Encode(u User) ([]byte, error) {
	strs := []string{u.Name, u.Email, u.Location.Street, u.Location.City, u.Location.Country, u.Location.Postal}
	size := fixedSize + 1
	for _, s := range strs {
		size += 2 + len(s)
	}
	if p := u.Profile; p != nil {
		if len(p.Interests) > math.MaxUint16 {
			return nil, fmt.Errorf("user %d: %d interests, limit %d", u.ID, len(p.Interests), math.MaxUint16)
		}
		size += 4 + 2 + len(p.Job) + 2
		for _, s := range p.Interests {
			size += 2 + len(s)
		}
	}

	buf := make([]byte, 0, size)
	buf = append(buf, userVersion)
	buf = be.AppendUint64(buf, u.ID)
	buf = be.AppendUint64(buf, u.Created)
	buf = be.AppendUint64(buf, u.Updated)

	var err error
	for _, s := range strs {
		if buf, err = appendString(buf, s); err != nil {
			return nil, fmt.Errorf("user %d: %w", u.ID, err)
		}
	}
	if u.Profile == nil {
		return append(buf, 0), nil
	}

	p := u.Profile
	buf = append(buf, 1)
	buf = be.AppendUint32(buf, p.Age)
	if buf, err = appendString(buf, p.Job); err != nil {
		return nil, fmt.Errorf("user %d: %w", u.ID, err)
	}
	buf = be.AppendUint16(buf, uint16(len(p.Interests)))
	for _, s := range p.Interests {
		if buf, err = appendString(buf, s); err != nil {
			return nil, fmt.Errorf("user %d: %w", u.ID, err)
		}
	}
	return buf, nil
}

func appendString(buf []byte, s string) ([]byte, error) {
	if len(s) > math.MaxUint16 {
		return nil, fmt.Errorf("string of %d bytes exceeds %d", len(s), math.MaxUint16)
	}
	buf = be.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...), nil
}

// Decode parses a User. Records from a newer layout return
// codec.ErrSchemaMismatch.
func (UserCodec) Decode(data []byte) (User, error) {
	v, err := NewUserView(data)
	if err != nil {
		return User{}, err
	}
	return v.User(), nil
}
