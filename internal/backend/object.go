package backend

import (
	"time"

	"github.com/roach88/lattice/internal/value"
)

// StoredObject is the envelope every backend persists for one path.
//
// Version starts at 1 and grows by one on each overwrite. CreatedAt is fixed
// at the first write; UpdatedAt is refreshed on every write. SchemaVersion
// records the field layout the data was written under (default 1).
type StoredObject struct {
	Path          string       `json:"path"`
	TypeName      string       `json:"type_name"`
	Data          value.Object `json:"data"`
	Version       int64        `json:"version"`
	SchemaVersion int          `json:"schema_version"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// NewObject builds a first-version envelope stamped with the current time.
func NewObject(path, typeName string, data value.Object) *StoredObject {
	now := time.Now()
	if data == nil {
		data = value.Object{}
	}
	return &StoredObject{
		Path:          path,
		TypeName:      typeName,
		Data:          data,
		Version:       1,
		SchemaVersion: 1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Clone returns a deep copy so backends never share field maps with callers.
func (o *StoredObject) Clone() *StoredObject {
	if o == nil {
		return nil
	}
	cp := *o
	cp.Data = o.Data.Clone()
	return &cp
}

// normalize fills the defaults a caller may have left at zero.
func (o *StoredObject) normalize() {
	if o.Version < 1 {
		o.Version = 1
	}
	if o.SchemaVersion < 1 {
		o.SchemaVersion = 1
	}
	if o.Data == nil {
		o.Data = value.Object{}
	}
}
