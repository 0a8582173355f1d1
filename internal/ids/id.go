// Package ids provides type-safe identifier types shared across the
// library engine: device ids, library ids, and entry uuids. It consolidates
// parsing/formatting so the rest of the codebase never passes around raw
// strings for these identities.
//
// This is a leaf package with zero dependencies beyond stdlib and
// github.com/google/uuid.
package ids

import (
	"database/sql"
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
)

// DeviceID identifies one installation of the engine, stable for the
// device's lifetime.
type DeviceID struct {
	value uuid.UUID
}

// LibraryID identifies one logical collection of locations/entries/devices.
type LibraryID struct {
	value uuid.UUID
}

// EntryUUID identifies a syncable entry (assigned at directory creation, or
// at content-identification completion for files). The zero value means
// "not yet assigned".
type EntryUUID struct {
	value uuid.UUID
}

// NewDeviceID generates a fresh random device id.
func NewDeviceID() DeviceID { return DeviceID{value: uuid.New()} }

// NewLibraryID generates a fresh random library id.
func NewLibraryID() LibraryID { return LibraryID{value: uuid.New()} }

// NewEntryUUID generates a fresh random entry uuid.
func NewEntryUUID() EntryUUID { return EntryUUID{value: uuid.New()} }

// ParseDeviceID parses a canonical UUID string into a DeviceID.
func ParseDeviceID(s string) (DeviceID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return DeviceID{}, fmt.Errorf("ids: parse device id %q: %w", s, err)
	}

	return DeviceID{value: u}, nil
}

// ParseLibraryID parses a canonical UUID string into a LibraryID.
func ParseLibraryID(s string) (LibraryID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return LibraryID{}, fmt.Errorf("ids: parse library id %q: %w", s, err)
	}

	return LibraryID{value: u}, nil
}

// ParseEntryUUID parses a canonical UUID string into an EntryUUID.
func ParseEntryUUID(s string) (EntryUUID, error) {
	if s == "" {
		return EntryUUID{}, nil
	}

	u, err := uuid.Parse(s)
	if err != nil {
		return EntryUUID{}, fmt.Errorf("ids: parse entry uuid %q: %w", s, err)
	}

	return EntryUUID{value: u}, nil
}

func (d DeviceID) String() string { return d.value.String() }
func (l LibraryID) String() string { return l.value.String() }
func (e EntryUUID) String() string { return e.value.String() }

// IsZero reports whether the id is the unset zero value.
func (d DeviceID) IsZero() bool { return d.value == uuid.Nil }
func (l LibraryID) IsZero() bool { return l.value == uuid.Nil }
func (e EntryUUID) IsZero() bool { return e.value == uuid.Nil }

// Value implements driver.Valuer so these ids can be bound directly as
// SQLite query parameters.
func (d DeviceID) Value() (driver.Value, error) { return d.value.String(), nil }
func (l LibraryID) Value() (driver.Value, error) { return l.value.String(), nil }

func (e EntryUUID) Value() (driver.Value, error) {
	if e.IsZero() {
		return nil, nil
	}

	return e.value.String(), nil
}

// Scan implements sql.Scanner so these ids can be read directly out of
// query results.
func (d *DeviceID) Scan(src any) error {
	u, err := scanUUID(src)
	if err != nil {
		return err
	}

	d.value = u

	return nil
}

func (l *LibraryID) Scan(src any) error {
	u, err := scanUUID(src)
	if err != nil {
		return err
	}

	l.value = u

	return nil
}

func (e *EntryUUID) Scan(src any) error {
	if src == nil {
		e.value = uuid.Nil
		return nil
	}

	u, err := scanUUID(src)
	if err != nil {
		return err
	}

	e.value = u

	return nil
}

func scanUUID(src any) (uuid.UUID, error) {
	switch v := src.(type) {
	case string:
		if v == "" {
			return uuid.Nil, nil
		}

		return uuid.Parse(v)
	case []byte:
		if len(v) == 0 {
			return uuid.Nil, nil
		}

		return uuid.Parse(string(v))
	case nil:
		return uuid.Nil, nil
	default:
		return uuid.Nil, fmt.Errorf("ids: cannot scan %T into uuid", src)
	}
}

var (
	_ sql.Scanner   = (*DeviceID)(nil)
	_ driver.Valuer = DeviceID{}
	_ sql.Scanner   = (*LibraryID)(nil)
	_ driver.Valuer = LibraryID{}
	_ sql.Scanner   = (*EntryUUID)(nil)
	_ driver.Valuer = EntryUUID{}
)
