package model

import (
	"fmt"

	"github.com/matteso1/guardian/internal/codec"
)

// string fields in layout order
const (
	fieldName = iota
	fieldEmail
	fieldStreet
	fieldCity
	fieldCountry
	fieldPostal
	stringFields
)

type span struct{ off, end int }

// UserView reads fields straight out of an encoded User without copying.
// Offsets are validated once by NewUserView; accessors then cannot fail.
// Byte slices returned by the view alias the encoded data.
type UserView struct {
	data      []byte
	strs      [stringFields]span
	profile   bool
	age       uint32
	job       span
	interests []span
}

// NewUserView validates data and indexes its variable-length fields.
func NewUserView(data []byte) (UserView, error) {
	if len(data) < fixedSize+1 {
		return UserView{}, fmt.Errorf("%w: %d bytes", errTruncated, len(data))
	}
	if data[0] != userVersion {
		return UserView{}, fmt.Errorf("%w: user layout version %d, supported %d", codec.ErrSchemaMismatch, data[0], userVersion)
	}

	v := UserView{data: data}
	off := fixedSize
	var err error
	for i := range v.strs {
		if v.strs[i], off, err = readString(data, off); err != nil {
			return UserView{}, err
		}
	}

	if off >= len(data) {
		return UserView{}, fmt.Errorf("%w: missing profile flag", errTruncated)
	}
	flag := data[off]
	off++
	switch flag {
	case 0:
	case 1:
		if off+4 > len(data) {
			return UserView{}, fmt.Errorf("%w: profile age", errTruncated)
		}
		v.profile = true
		v.age = be.Uint32(data[off:])
		off += 4
		if v.job, off, err = readString(data, off); err != nil {
			return UserView{}, err
		}
		if off+2 > len(data) {
			return UserView{}, fmt.Errorf("%w: interest count", errTruncated)
		}
		n := int(be.Uint16(data[off:]))
		off += 2
		v.interests = make([]span, n)
		for i := range v.interests {
			if v.interests[i], off, err = readString(data, off); err != nil {
				return UserView{}, err
			}
		}
	default:
		return UserView{}, fmt.Errorf("invalid profile flag %d", flag)
	}

	if off != len(data) {
		return UserView{}, fmt.Errorf("%d trailing bytes after user record", len(data)-off)
	}
	return v, nil
}

func readString(data []byte, off int) (span, int, error) {
	if off+2 > len(data) {
		return span{}, off, fmt.Errorf("%w: string length at %d", errTruncated, off)
	}
	n := int(be.Uint16(data[off:]))
	start := off + 2
	if start+n > len(data) {
		return span{}, off, fmt.Errorf("%w: string of %d bytes at %d", errTruncated, n, off)
	}
	return span{start, start + n}, start + n, nil
}

func (v UserView) bytes(s span) []byte { return v.data[s.off:s.end] }

// Field accessors. Byte slices alias the encoded record.
func (v UserView) ID() uint64      { return be.Uint64(v.data[1:9]) }
func (v UserView) Created() uint64 { return be.Uint64(v.data[9:17]) }
func (v UserView) Updated() uint64 { return be.Uint64(v.data[17:25]) }

func (v UserView) Name() []byte    { return v.bytes(v.strs[fieldName]) }
func (v UserView) Email() []byte   { return v.bytes(v.strs[fieldEmail]) }
func (v UserView) Street() []byte  { return v.bytes(v.strs[fieldStreet]) }
func (v UserView) City() []byte    { return v.bytes(v.strs[fieldCity]) }
func (v UserView) Country() []byte { return v.bytes(v.strs[fieldCountry]) }
func (v UserView) Postal() []byte  { return v.bytes(v.strs[fieldPostal]) }

// HasProfile reports whether the record carries a profile.
func (v UserView) HasProfile() bool { return v.profile }

// Age returns 0 when there is no profile.
func (v UserView) Age() uint32 { return v.age }

// Job returns nil when there is no profile.
func (v UserView) Job() []byte {
	if !v.profile {
		return nil
	}
	return v.bytes(v.job)
}

// NumInterests and Interest walk the profile's interests in order.
func (v UserView) NumInterests() int { return len(v.interests) }

func (v UserView) Interest(i int) []byte { return v.bytes(v.interests[i]) }

// User copies the view into a User.
func (v UserView) User() User {
	u := User{
		ID:      v.ID(),
		Name:    string(v.Name()),
		Email:   string(v.Email()),
		Created: v.Created(),
		Updated: v.Updated(),
		Location: Location{
			Street:  string(v.Street()),
			City:    string(v.City()),
			Country: string(v.Country()),
			Postal:  string(v.Postal()),
		},
	}
	if v.profile {
		p := &Profile{Age: v.age, Job: string(v.Job())}
		if n := len(v.interests); n > 0 {
			p.Interests = make([]string, n)
			for i := range v.interests {
				p.Interests[i] = string(v.Interest(i))
			}
		}
		u.Profile = p
	}
	return u
}
