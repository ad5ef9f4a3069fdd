package domain

type UserStatus string

const (
	StatusOnline  UserStatus = "online"
	StatusOffline UserStatus = "offline"
)

// ParseUserStatus accepts the two presence states.
func ParseUserStatus(s string) (UserStatus, bool) {
	switch UserStatus(s) {
	case StatusOnline:
		return StatusOnline, true
	case StatusOffline:
		return StatusOffline, true
	default:
		return "", false
	}
}

// User is a stored account. Password holds the credential hash and is never
// serialized to API callers; see UserRecord for the stored form.
type User struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Email     string     `json:"email"`
	Password  string     `json:"-"`
	Status    UserStatus `json:"status"`
	CreatedAt int64      `json:"createdAt,omitempty"`
}

// UserRecord is the stored shape of a user, credential included.
type UserRecord struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Email     string     `json:"email"`
	Password  string     `json:"password,omitempty"`
	Status    UserStatus `json:"status"`
	CreatedAt int64      `json:"createdAt,omitempty"`
}

func (r UserRecord) User() User {
	return User{
		ID:        r.ID,
		Name:      r.Name,
		Email:     r.Email,
		Password:  r.Password,
		Status:    r.Status,
		CreatedAt: r.CreatedAt,
	}
}

func (u User) Record() UserRecord {
	return UserRecord{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		Password:  u.Password,
		Status:    u.Status,
		CreatedAt: u.CreatedAt,
	}
}

// Contact is a user as seen from another user's contact list.
type Contact struct {
	User
	Unread bool `json:"unread"`
}

// ContactEdge is the stored value of contacts/{owner}/{contact}.
type ContactEdge struct {
	Unread bool `json:"unread"`
}

// Message is one entry of a conversation. Timestamp is epoch milliseconds
// assigned by the server and orders history.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId,omitempty"`
	SenderID       string `json:"senderId"`
	RecipientID    string `json:"recipientId"`
	Content        string `json:"content"`
	Timestamp      int64  `json:"timestamp"`
	Read           bool   `json:"read"`
}

// Conversation is the index record written with the first message.
type Conversation struct {
	Type          string          `json:"type"`
	Participants  map[string]bool `json:"participants"`
	CreatedAt     int64           `json:"createdAt"`
	LastMessageAt int64           `json:"lastMessageAt,omitempty"`
}

// PresenceEvent relays a contact's status change to a listener.
// Removed is set when the contact edge went away.
type PresenceEvent struct {
	ContactID string     `json:"contactId"`
	Status    UserStatus `json:"status,omitempty"`
	Removed   bool       `json:"removed,omitempty"`
}

// TypingEvent is published on a recipient's typing topic.
type TypingEvent struct {
	From      string `json:"from"`
	Timestamp int64  `json:"timestamp"`
}
