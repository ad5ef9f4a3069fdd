package bootstrap

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/selzzaf/desktopchatapp/pkg/conversation"
	"github.com/selzzaf/desktopchatapp/pkg/treestore"
)

// Collections are the top-level collections of a seeded store.
var Collections = []string{
	"users_metadata",
	"presence",
	"conversations",
	"messages",
	"user_relations",
	"groups",
	"last_messages",
	"notifications",
}

const samplesPerConversation = 3

// EnsureSchema writes every collection as an empty mapping when the store
// root is absent. It reports whether it wrote anything.
func EnsureSchema(ctx context.Context, client *treestore.Client) (bool, error) {
	if !client.Connected() {
		return false, treestore.ErrDisconnected
	}
	root, err := client.Get(ctx, "")
	if err != nil {
		return false, fmt.Errorf("read root: %w", err)
	}
	if root.Exists() {
		return false, nil
	}
	values := make(map[string]any, len(Collections))
	for _, name := range Collections {
		values[name] = map[string]any{}
	}
	if err := client.Update(ctx, "", values); err != nil {
		return false, fmt.Errorf("seed collections: %w", err)
	}
	return true, nil
}

// Migrate fills collections missing under an existing root with sample
// content built from the known users. Present collections are left alone
// and nothing is written when none is missing. It returns the names of
// the collections it added.
func Migrate(ctx context.Context, client *treestore.Client, now time.Time) ([]string, error) {
	root, err := client.Get(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("read root: %w", err)
	}
	if !root.Exists() {
		return nil, nil
	}
	var missing []string
	for _, name := range Collections {
		if !root.HasChild(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}

	users := sampleUsers(root)
	content := sampleContent(users, now)
	values := make(map[string]any, len(missing))
	for _, name := range missing {
		values[name] = content[name]
	}
	if err := client.Update(ctx, "", values); err != nil {
		return nil, fmt.Errorf("write migration: %w", err)
	}
	return missing, nil
}

type sampleUser struct {
	ID    string
	Name  string
	Email string
}

var fixedSampleUsers = []sampleUser{
	{ID: "user1", Name: "John Doe", Email: "john@example.com"},
	{ID: "user2", Name: "Jane Smith", Email: "jane@example.com"},
	{ID: "user3", Name: "Bob Wilson", Email: "bob@example.com"},
}

// sampleUsers prefers real accounts, then existing metadata, then the
// fixed sample set. Ids the resolver rejects are skipped.
func sampleUsers(root treestore.Snapshot) []sampleUser {
	for _, source := range []string{"users", "users_metadata"} {
		var out []sampleUser
		for _, child := range root.Child(source).Children() {
			if conversation.ValidateUserID(child.Key) != nil {
				continue
			}
			var rec struct {
				Name  string `json:"name"`
				Email string `json:"email"`
			}
			_ = child.Decode(&rec)
			out = append(out, sampleUser{ID: child.Key, Name: rec.Name, Email: rec.Email})
		}
		if len(out) > 0 {
			sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
			return out
		}
	}
	return fixedSampleUsers
}

func sampleContent(users []sampleUser, now time.Time) map[string]any {
	ts := now.UnixMilli()
	metadata := map[string]any{}
	presence := map[string]any{}
	relations := map[string]any{}
	for _, u := range users {
		metadata[u.ID] = map[string]any{"id": u.ID, "name": u.Name, "email": u.Email, "createdAt": ts}
		presence[u.ID] = map[string]any{"status": "offline", "lastOnline": ts}
		edges := map[string]any{}
		for _, other := range users {
			if other.ID != u.ID {
				edges[other.ID] = map[string]any{"status": "accepted", "since": ts}
			}
		}
		relations[u.ID] = edges
	}

	groups := map[string]any{}
	if len(users) > 0 {
		groups["group1"] = sampleGroup("Project Team", "Team discussion group", users[0].ID, users, ts)
		groups["group2"] = sampleGroup("Friends Chat", "Friends group chat", users[min(1, len(users)-1)].ID, users, ts)
	}

	conversations := map[string]any{}
	messages := map[string]any{}
	lastMessages := map[string]any{}
	for i := 0; i < len(users); i++ {
		for j := i + 1; j < len(users); j++ {
			a, b := users[i].ID, users[j].ID
			convID, err := conversation.Resolve(a, b)
			if err != nil {
				continue
			}
			conversations[convID] = map[string]any{
				"type":         "private",
				"createdAt":    ts,
				"participants": map[string]any{a: true, b: true},
			}
			thread := map[string]any{}
			var last map[string]any
			for n := 1; n <= samplesPerConversation; n++ {
				sender, recipient := a, b
				if n%2 == 0 {
					sender, recipient = b, a
				}
				id := fmt.Sprintf("sample-%03d", n)
				msg := map[string]any{
					"id":          id,
					"senderId":    sender,
					"recipientId": recipient,
					"content":     fmt.Sprintf("Sample message %d", n),
					"timestamp":   ts + int64(n),
					"read":        false,
					"status":      "delivered",
				}
				thread[id] = msg
				last = msg
			}
			messages[convID] = thread
			lastMessages[convID] = last
		}
	}

	return map[string]any{
		"users_metadata": metadata,
		"presence":       presence,
		"user_relations": relations,
		"groups":         groups,
		"conversations":  conversations,
		"messages":       messages,
		"last_messages":  lastMessages,
		"notifications":  map[string]any{},
	}
}

func sampleGroup(name, description, createdBy string, users []sampleUser, ts int64) map[string]any {
	members := map[string]any{}
	for _, u := range users {
		members[u.ID] = true
	}
	return map[string]any{
		"name":        name,
		"description": description,
		"createdBy":   createdBy,
		"createdAt":   ts,
		"members":     members,
	}
}
