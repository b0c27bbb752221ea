package model

import (
	"time"

	"github.com/google/uuid"
)

// ObjectMD is the authoritative object metadata record. Etag doubles as the
// version token the range cache validates against.
type ObjectMD struct {
	ObjID       uuid.UUID
	BucketID    uuid.UUID
	TierID      uuid.UUID
	Bucket      string
	Key         string
	Size        int64
	ContentType string
	Etag        string
	MD5         string
	SHA256      string
	CreateTime  time.Time
	NumParts    int
}

// Same reports whether two metadata snapshots describe the same version of
// the same object.
func (md ObjectMD) Same(other ObjectMD) bool {
	return md.ObjID == other.ObjID &&
		md.Etag == other.Etag &&
		md.Size == other.Size &&
		md.CreateTime.Equal(other.CreateTime)
}

// Part places one chunk into an object range [Start, End). Within one
// object parts are contiguous and ordered by Start. ChunkOffset is the
// offset of Start inside the chunk; parts cut by the upload pipeline cover
// their whole chunk, and multipart completion shifts Start and End without
// touching ChunkOffset, so it stays zero for them.
type Part struct {
	ObjID       uuid.UUID
	MultipartID uuid.UUID
	Seq         int
	Start       int64
	End         int64
	ChunkID     uuid.UUID
	ChunkOffset int64
}

// ObjectMapping is the read-path view of an object range: the parts that
// intersect it plus the chunks they refer to, arena style. Part.ChunkID
// resolves into Chunks.
type ObjectMapping struct {
	ObjectMD ObjectMD
	Parts    []Part
	Chunks   []Chunk
}

// ChunkByID resolves a part's chunk reference.
func (m *ObjectMapping) ChunkByID(id uuid.UUID) (*Chunk, bool) {
	for i := range m.Chunks {
		if m.Chunks[i].ID == id {
			return &m.Chunks[i], true
		}
	}
	return nil, false
}
