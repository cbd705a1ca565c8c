package store

import (
	"fmt"
	"time"
)

// Partition and sort-key shapes of the single-table layout.
const (
	TokensPartition = "TOKENS"
	ChunkPrefix     = "CHUNK#"

	tokenSK    = "TOKEN"
	profileSK  = "PROFILE"
	identitySK = "IDENTITY"
	objectSK   = "META"
	eventSK    = "EVENT#"
)

// TokenKey addresses an access token by its string. Tokens are unique by
// construction, so a lookup can never match more than one document.
func TokenKey(token string) Key {
	return Key{PK: "TOKEN#" + token, SK: tokenSK}
}

// TokenIndex places a token in the admin listing, newest last.
func TokenIndex(createdAt time.Time, token string) Key {
	return Key{PK: TokensPartition, SK: SortableTime(createdAt) + "#" + token}
}

// UserKey addresses the profile (identity claim) of an identity.
func UserKey(id string) Key {
	return Key{PK: "USER#" + id, SK: profileSK}
}

// IdentityKey addresses an issued identity in the registry.
func IdentityKey(id string) Key {
	return Key{PK: "IDENTITY#" + id, SK: identitySK}
}

// ObjectPartition is the partition shared by an object's metadata and chunks.
func ObjectPartition(id string) string {
	return "OBJECT#" + id
}

// ObjectKey addresses the metadata document of an object.
func ObjectKey(id string) Key {
	return Key{PK: ObjectPartition(id), SK: objectSK}
}

// ChunkKey addresses chunk index of an object. The index is zero padded so
// sort-key order equals index order.
func ChunkKey(id string, index int) Key {
	return Key{PK: ObjectPartition(id), SK: fmt.Sprintf("%s%08d", ChunkPrefix, index)}
}

// OwnerPartition groups the objects uploaded by one owner in the index.
func OwnerPartition(owner string) string {
	return "OWNER#" + owner
}

// OwnerIndex places an object in its owner's listing.
func OwnerIndex(owner string, uploadedAt time.Time, id string) Key {
	return Key{PK: OwnerPartition(owner), SK: SortableTime(uploadedAt) + "#" + id}
}

// AuditPartition groups the audit events of one token.
func AuditPartition(token string) string {
	return "AUDIT#" + token
}

// AuditKey addresses one audit event.
func AuditKey(token string, at time.Time, id string) Key {
	return Key{PK: AuditPartition(token), SK: eventSK + SortableTime(at) + "#" + id}
}

// SortableTime formats t with a fixed width so that lexical and
// chronological order agree.
func SortableTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}
