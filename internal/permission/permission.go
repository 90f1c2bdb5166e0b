// Package permission classifies a participant's read/write level and
// answers authorization queries against it.
package permission

type Level string

const (
	Read      Level = "READ"
	ReadWrite Level = "READ_WRITE"
	Deleted   Level = "DELETED"
)

// Default is the level given to records that predate per-participant levels.
const Default = ReadWrite

func (l Level) Valid() bool {
	switch l {
	case Read, ReadWrite, Deleted:
		return true
	default:
		return false
	}
}

func (l Level) CanRead() bool {
	return l == Read || l == ReadWrite
}

func (l Level) CanWrite() bool {
	return l == ReadWrite
}

func (l Level) IsDeleted() bool {
	return l == Deleted
}

// AuthorizedFor reports whether a participant holding l may access a
// resource that requires the given level. Deleted participants are refused
// everything.
func (l Level) AuthorizedFor(required Level) bool {
	if l.IsDeleted() {
		return false
	}
	if required == Read && !l.CanRead() {
		return false
	}
	if required == ReadWrite && !l.CanWrite() {
		return false
	}
	return true
}

// Normalize maps stored values onto a known level, falling back to Default.
func Normalize(raw string) Level {
	if level := Level(raw); level.Valid() {
		return level
	}
	return Default
}

// ForPublic derives the level of the public participant from the sharing
// switches on a conversation.
func ForPublic(isPublic, isReadOnly bool) Level {
	if !isPublic {
		return Deleted
	}
	if isReadOnly {
		return Read
	}
	return ReadWrite
}
