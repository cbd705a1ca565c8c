package model

import "time"

// Role is granted by an access token on redemption.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
	RoleGuest Role = "guest"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAdmin, RoleGuest:
		return true
	}
	return false
}

// AccessToken is a single-use key. Once Used is true it never changes again;
// UsedBy and UsedAt are written in the same step.
type AccessToken struct {
	Token     string     `json:"token" dynamodbav:"token"`
	Role      Role       `json:"role" dynamodbav:"role"`
	Used      bool       `json:"used" dynamodbav:"used"`
	UsedBy    string     `json:"usedBy,omitempty" dynamodbav:"usedBy,omitempty"`
	UsedAt    *time.Time `json:"usedAt,omitempty" dynamodbav:"usedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt" dynamodbav:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty" dynamodbav:"expiresAt,omitempty"`
}

// Expired reports whether the token has an expiry at or before now.
func (t *AccessToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// UserProfile is the identity claim: it binds an issued identity to a role
// and, for redeemed identities, to the token that created it.
type UserProfile struct {
	ID          string    `json:"id" dynamodbav:"id"`
	Role        Role      `json:"role" dynamodbav:"role"`
	LinkedToken string    `json:"linkedToken,omitempty" dynamodbav:"linkedToken,omitempty"`
	Email       string    `json:"email,omitempty" dynamodbav:"email,omitempty"` // Administrators only
	CreatedAt   time.Time `json:"createdAt" dynamodbav:"createdAt"`
	LastLoginAt time.Time `json:"lastLoginAt" dynamodbav:"lastLoginAt"`
}

// Identity is an entry of the identity registry.
type Identity struct {
	ID        string    `json:"id" dynamodbav:"id"`
	Anonymous bool      `json:"anonymous" dynamodbav:"anonymous"`
	CreatedAt time.Time `json:"createdAt" dynamodbav:"createdAt"`
}

// StorageKind tells where an object's payload lives.
type StorageKind string

const (
	StorageInline  StorageKind = "inline"
	StorageChunked StorageKind = "chunked"
)

// ObjectMeta is the listable part of a stored object.
type ObjectMeta struct {
	ID             string      `json:"id" dynamodbav:"id"`
	DisplayName    string      `json:"displayName" dynamodbav:"displayName"`
	MIMEType       string      `json:"mimeType" dynamodbav:"mimeType"`
	ByteSize       int         `json:"byteSize" dynamodbav:"byteSize"`
	OwnerID        string      `json:"ownerId" dynamodbav:"ownerId"`
	Storage        StorageKind `json:"storage" dynamodbav:"storage"`
	ChunkCount     int         `json:"chunkCount,omitempty" dynamodbav:"chunkCount,omitempty"`
	LinkedEntities []string    `json:"linkedEntities,omitempty" dynamodbav:"linkedEntities,omitempty"`
	UploadedAt     time.Time   `json:"uploadedAt" dynamodbav:"uploadedAt"`
}

// StoredObject is the metadata document. InlinePayload is only set when
// Storage is StorageInline; chunked payloads live in Chunk documents.
type StoredObject struct {
	ObjectMeta
	InlinePayload []byte `json:"inlinePayload,omitempty" dynamodbav:"inlinePayload,omitempty"`
}

// Chunk is one contiguous slice of a chunked payload.
type Chunk struct {
	ObjectID string `json:"objectId" dynamodbav:"objectId"`
	Index    int    `json:"index" dynamodbav:"index"`
	Data     []byte `json:"data" dynamodbav:"data"`
}

// AuditEventType names what happened to a token.
type AuditEventType string

const (
	AuditCreated   AuditEventType = "created"
	AuditActivated AuditEventType = "activated"
	AuditRevoked   AuditEventType = "revoked"
)

// AuditEvent records one change to a token.
type AuditEvent struct {
	ID    string         `json:"id" dynamodbav:"id"`
	Token string         `json:"token" dynamodbav:"token"`
	Event AuditEventType `json:"event" dynamodbav:"event"`
	Actor string         `json:"actor,omitempty" dynamodbav:"actor,omitempty"`
	At    time.Time      `json:"at" dynamodbav:"at"`
}
