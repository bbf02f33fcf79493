package model

type Account struct {
	ID              string
	PublicKey       string
	Seq             int64
	ChangesFloor    int64
	Settings        *string
	SettingsVersion int64
	CreatedAt       int64
	UpdatedAt       int64
}

type AuthRequest struct {
	ID                string
	PublicKey         string
	SupportsV2        bool
	Response          string
	ResponseAccountID string
	Token             string
	CreatedAt         int64
	UpdatedAt         int64
}

type Session struct {
	ID                string
	AccountID         string
	Tag               string
	Seq               int64
	Metadata          string
	MetadataVersion   int64
	AgentState        *string
	AgentStateVersion int64
	DataEncryptionKey *string
	Active            bool
	LastActiveAt      int64
	CreatedAt         int64
	UpdatedAt         int64
}

type SessionMessage struct {
	ID        string
	SessionID string
	Seq       int64
	Content   string
	CreatedAt int64
	UpdatedAt int64
}

type Machine struct {
	ID                 string
	AccountID          string
	Metadata           string
	MetadataVersion    int64
	DaemonState        *string
	DaemonStateVersion int64
	DataEncryptionKey  *string
	Active             bool
	LastActiveAt       int64
	CreatedAt          int64
	UpdatedAt          int64
}

type Artifact struct {
	ID                string
	AccountID         string
	Header            string
	HeaderVersion     int64
	Body              string
	BodyVersion       int64
	DataEncryptionKey string
	Seq               int64
	CreatedAt         int64
	UpdatedAt         int64
}

type AccessKey struct {
	AccountID   string
	SessionID   string
	Variant     string
	Data        string
	DataVersion int64
	CreatedAt   int64
	UpdatedAt   int64
}

type KVEntry struct {
	AccountID string
	Key       string
	Value     string
	Version   int64
	CreatedAt int64
	UpdatedAt int64
}

// Relationship status is stored from the owning account's point of view.
const (
	RelationshipNone      = "none"
	RelationshipRequested = "requested"
	RelationshipPending   = "pending"
	RelationshipFriend    = "friend"
)

type Relationship struct {
	AccountID string
	OtherID   string
	Status    string
	CreatedAt int64
	UpdatedAt int64
}

type FeedItem struct {
	ID        string
	AccountID string
	Body      string
	Counter   int64
	CreatedAt int64
}

type AccountChange struct {
	AccountID string
	Kind      string
	EntityID  string
	Cursor    int64
	ChangedAt int64
	Hint      []byte
}
