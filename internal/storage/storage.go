// Package storage persists all server data in a single JSON file. The file is
// an envelope {format, version, data, checksum} where the checksum covers a
// canonical encoding of the data section, and every write goes through a
// temp file and an atomic rename.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/rcord/rcord/pkg/protocol"
)

const (
	fileFormat  = "rcord-db"
	fileVersion = 1

	// inviteTTL is how long a pending invite stays acceptable.
	inviteTTL = 300 * time.Second
)

// ChatID derives the canonical id of a direct chat between two users. The id
// is order-independent: both participants compute the same one.
func ChatID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

type userRecord struct {
	Password  string    `json:"password"`
	CreatedAt time.Time `json:"created_at"`
}

type roomRecord struct {
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

type chatRecord struct {
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
}

type inviteRecord struct {
	Room      string    `json:"room,omitempty"`
	Chat      string    `json:"chat,omitempty"`
	From      string    `json:"from,omitempty"`
	InvitedAt time.Time `json:"invited_at"`
}

type inviteSet struct {
	Rooms []inviteRecord `json:"rooms"`
	Chats []inviteRecord `json:"chats"`
}

type inviteTable struct {
	Users map[string]*inviteSet `json:"users"`
}

// Status is the persisted presence of one user.
type Status struct {
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

type dbData struct {
	Users    map[string]userRecord         `json:"users"`
	Rooms    map[string]*roomRecord        `json:"rooms"`
	Chats    map[string]*chatRecord        `json:"chats"`
	Messages map[string][]protocol.Message `json:"messages"`
	Invites  inviteTable                   `json:"invites"`
	Status   map[string]Status             `json:"status"`
}

type envelope struct {
	Format   string          `json:"format"`
	Version  int             `json:"version"`
	Data     json.RawMessage `json:"data"`
	Checksum string          `json:"checksum"`
}

func defaultData() *dbData {
	return &dbData{
		Users:    make(map[string]userRecord),
		Rooms:    make(map[string]*roomRecord),
		Chats:    make(map[string]*chatRecord),
		Messages: make(map[string][]protocol.Message),
		Invites:  inviteTable{Users: make(map[string]*inviteSet)},
		Status:   make(map[string]Status),
	}
}

// Store is the server's database. All methods are safe for concurrent use;
// mutations persist before returning.
type Store struct {
	mu   sync.Mutex
	path string
	data *dbData
	now  func() time.Time
}

// Open loads the database at path, creating an empty one if the file does not
// exist. A file that fails its integrity check is rejected, not repaired.
func Open(path string) (*Store, error) {
	s := &Store{path: path, now: time.Now}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s.data = defaultData()
		if err := s.save(); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read database %s: %w", path, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to parse database %s: %w", path, err)
	}
	if env.Format != fileFormat {
		return nil, fmt.Errorf("database %s has unknown format %q", path, env.Format)
	}
	if env.Version != fileVersion {
		return nil, fmt.Errorf("database %s has unsupported version %d", path, env.Version)
	}

	data := defaultData()
	if err := json.Unmarshal(env.Data, data); err != nil {
		return nil, fmt.Errorf("failed to parse database %s: %w", path, err)
	}
	normalize(data)
	if env.Checksum != "" {
		expected, err := checksum(data)
		if err != nil {
			return nil, err
		}
		if env.Checksum != expected {
			return nil, fmt.Errorf("database %s failed its integrity check", path)
		}
	}
	s.data = data
	return s, nil
}

func normalize(data *dbData) {
	if data.Users == nil {
		data.Users = make(map[string]userRecord)
	}
	if data.Rooms == nil {
		data.Rooms = make(map[string]*roomRecord)
	}
	if data.Chats == nil {
		data.Chats = make(map[string]*chatRecord)
	}
	if data.Messages == nil {
		data.Messages = make(map[string][]protocol.Message)
	}
	if data.Invites.Users == nil {
		data.Invites.Users = make(map[string]*inviteSet)
	}
	if data.Status == nil {
		data.Status = make(map[string]Status)
	}
	for username, user := range data.Users {
		if _, ok := data.Status[username]; !ok {
			data.Status[username] = Status{Online: false, LastSeen: user.CreatedAt}
		}
	}
}

// checksum hashes the canonical (compact, map keys sorted) encoding of data.
func checksum(data *dbData) (string, error) {
	canonical, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to encode database: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// save writes the envelope to a temp file and renames it over the database,
// so a crash mid-write never leaves a torn file. Callers hold s.mu.
func (s *Store) save() error {
	sum, err := checksum(s.data)
	if err != nil {
		return err
	}
	dataBytes, err := json.Marshal(s.data)
	if err != nil {
		return fmt.Errorf("failed to encode database: %w", err)
	}
	out, err := json.MarshalIndent(envelope{
		Format:   fileFormat,
		Version:  fileVersion,
		Data:     dataBytes,
		Checksum: sum,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode database: %w", err)
	}
	temp := s.path + ".tmp"
	if err := os.WriteFile(temp, out, 0o600); err != nil {
		return fmt.Errorf("failed to write database: %w", err)
	}
	if err := os.Rename(temp, s.path); err != nil {
		return fmt.Errorf("failed to replace database: %w", err)
	}
	return nil
}

func (s *Store) invitesFor(username string) *inviteSet {
	set, ok := s.data.Invites.Users[username]
	if !ok {
		set = &inviteSet{}
		s.data.Invites.Users[username] = set
	}
	return set
}

// RegisterUser creates an account with a bcrypt-hashed password. Returns
// false if the username is taken.
func (s *Store) RegisterUser(username, password string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data.Users[username]; exists {
		return false, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return false, fmt.Errorf("failed to hash password: %w", err)
	}
	now := s.now().UTC()
	s.data.Users[username] = userRecord{Password: string(hash), CreatedAt: now}
	s.invitesFor(username)
	s.data.Status[username] = Status{Online: false, LastSeen: now}
	return true, s.save()
}

// ValidateLogin checks a username/password pair.
func (s *Store) ValidateLogin(username, password string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.data.Users[username]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)) == nil
}

// ListUsers returns every registered username, sorted.
func (s *Store) ListUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]string, 0, len(s.data.Users))
	for username := range s.data.Users {
		users = append(users, username)
	}
	sort.Strings(users)
	return users
}

// UserExists reports whether a username is registered.
func (s *Store) UserExists(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data.Users[username]
	return ok
}

// CreateRoom creates a room with the owner as its first member. Returns
// false if the room already exists.
func (s *Store) CreateRoom(room, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data.Rooms[room]; exists {
		return false, nil
	}
	s.data.Rooms[room] = &roomRecord{Members: []string{owner}, CreatedAt: s.now().UTC()}
	return true, s.save()
}

// AddRoomMember adds a user to a room and consumes any pending invite for it.
// Returns false if the room does not exist.
func (s *Store) AddRoomMember(room, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiredRooms, expiredChats := s.expireInvitesLocked(username)
	record, ok := s.data.Rooms[room]
	if !ok {
		if len(expiredRooms) > 0 || len(expiredChats) > 0 {
			return false, s.save()
		}
		return false, nil
	}
	if !contains(record.Members, username) {
		record.Members = append(record.Members, username)
	}
	set := s.invitesFor(username)
	set.Rooms = removeInvite(set.Rooms, func(inv inviteRecord) bool { return inv.Room == room })
	return true, s.save()
}

// ListRoomsForUser returns the rooms the user belongs to, sorted.
func (s *Store) ListRoomsForUser(username string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rooms []string
	for name, record := range s.data.Rooms {
		if contains(record.Members, username) {
			rooms = append(rooms, name)
		}
	}
	sort.Strings(rooms)
	return rooms
}

// InviteToRoom records a pending invite for target. Inviting again while one
// is pending returns the original timestamp rather than restarting the
// clock. Returns ok=false if the room does not exist.
func (s *Store) InviteToRoom(room, target, from string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data.Rooms[room]; !exists {
		return time.Time{}, false, nil
	}
	set := s.invitesFor(target)
	for _, inv := range set.Rooms {
		if inv.Room == room {
			return inv.InvitedAt, true, nil
		}
	}
	invitedAt := s.now().UTC()
	set.Rooms = append(set.Rooms, inviteRecord{Room: room, From: from, InvitedAt: invitedAt})
	return invitedAt, true, s.save()
}

// CreateChat opens a direct chat between the caller and target, adding only
// the caller as a participant; target joins on accept. Re-creating an
// existing chat just ensures the caller is a participant.
func (s *Store) CreateChat(caller, target string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chatID := ChatID(caller, target)
	record, ok := s.data.Chats[chatID]
	if !ok {
		s.data.Chats[chatID] = &chatRecord{Participants: []string{caller}, CreatedAt: s.now().UTC()}
		return chatID, s.save()
	}
	if !contains(record.Participants, caller) {
		record.Participants = append(record.Participants, caller)
		sort.Strings(record.Participants)
		return chatID, s.save()
	}
	return chatID, nil
}

// ListChatsForUser returns the chats the user participates in, sorted.
func (s *Store) ListChatsForUser(username string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var chats []string
	for chatID, record := range s.data.Chats {
		if contains(record.Participants, username) {
			chats = append(chats, chatID)
		}
	}
	sort.Strings(chats)
	return chats
}

// InviteToChat records a pending chat invite for target, with the same
// idempotence as InviteToRoom. Returns ok=false if the chat does not exist.
func (s *Store) InviteToChat(target, chatID, from string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data.Chats[chatID]; !exists {
		return time.Time{}, false, nil
	}
	set := s.invitesFor(target)
	for _, inv := range set.Chats {
		if inv.Chat == chatID {
			return inv.InvitedAt, true, nil
		}
	}
	invitedAt := s.now().UTC()
	set.Chats = append(set.Chats, inviteRecord{Chat: chatID, From: from, InvitedAt: invitedAt})
	return invitedAt, true, s.save()
}

// AcceptChatInvite adds the user to the chat and consumes the invite.
// expired=true means the invite had already aged out; it is removed and the
// chat is not joined.
func (s *Store) AcceptChatInvite(username, chatID string) (accepted, expired bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, expiredChats := s.expireInvitesLocked(username)
	if contains(expiredChats, chatID) {
		return false, true, s.save()
	}
	record, ok := s.data.Chats[chatID]
	if !ok {
		return false, false, s.save()
	}
	if !contains(record.Participants, username) {
		record.Participants = append(record.Participants, username)
		sort.Strings(record.Participants)
	}
	set := s.invitesFor(username)
	set.Chats = removeInvite(set.Chats, func(inv inviteRecord) bool { return inv.Chat == chatID })
	return true, false, s.save()
}

// RemoveRoomInvite deletes a pending room invite. Returns false if none was
// pending.
func (s *Store) RemoveRoomInvite(username, room string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.invitesFor(username)
	before := len(set.Rooms)
	set.Rooms = removeInvite(set.Rooms, func(inv inviteRecord) bool { return inv.Room == room })
	if len(set.Rooms) == before {
		return false, nil
	}
	return true, s.save()
}

// RemoveChatInvite deletes a pending chat invite. Returns false if none was
// pending.
func (s *Store) RemoveChatInvite(username, chatID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.invitesFor(username)
	before := len(set.Chats)
	set.Chats = removeInvite(set.Chats, func(inv inviteRecord) bool { return inv.Chat == chatID })
	if len(set.Chats) == before {
		return false, nil
	}
	return true, s.save()
}

// HasRoomInvite reports whether the user holds a live invite to the room.
// expired=true means an invite existed but aged out during this check.
func (s *Store) HasRoomInvite(username, room string) (has, expired bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiredRooms, expiredChats := s.expireInvitesLocked(username)
	for _, inv := range s.invitesFor(username).Rooms {
		if inv.Room == room {
			has = true
			break
		}
	}
	if len(expiredRooms) > 0 || len(expiredChats) > 0 {
		err = s.save()
	}
	return has, contains(expiredRooms, room), err
}

// CleanupExpiredInvites drops the user's aged-out invites and returns what
// was removed.
func (s *Store) CleanupExpiredInvites(username string) (rooms, chats []string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms, chats = s.expireInvitesLocked(username)
	if len(rooms) > 0 || len(chats) > 0 {
		err = s.save()
	}
	return rooms, chats, err
}

// expireInvitesLocked removes invites older than the TTL, preserving the
// order of the survivors. Callers hold s.mu and are responsible for saving.
func (s *Store) expireInvitesLocked(username string) (rooms, chats []string) {
	now := s.now()
	set := s.invitesFor(username)
	keptRooms := set.Rooms[:0]
	for _, inv := range set.Rooms {
		if now.Sub(inv.InvitedAt) > inviteTTL {
			rooms = append(rooms, inv.Room)
			continue
		}
		keptRooms = append(keptRooms, inv)
	}
	set.Rooms = keptRooms
	keptChats := set.Chats[:0]
	for _, inv := range set.Chats {
		if now.Sub(inv.InvitedAt) > inviteTTL {
			chats = append(chats, inv.Chat)
			continue
		}
		keptChats = append(keptChats, inv)
	}
	set.Chats = keptChats
	return rooms, chats
}

// ListInvites returns the user's pending invites, room invites first, each
// group sorted by name.
func (s *Store) ListInvites(username string) []protocol.Invite {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.invitesFor(username)
	invites := make([]protocol.Invite, 0, len(set.Rooms)+len(set.Chats))
	rooms := append([]inviteRecord(nil), set.Rooms...)
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Room < rooms[j].Room })
	for _, inv := range rooms {
		invites = append(invites, protocol.Invite{Room: inv.Room, From: inv.From, InvitedAt: inv.InvitedAt})
	}
	chats := append([]inviteRecord(nil), set.Chats...)
	sort.Slice(chats, func(i, j int) bool { return chats[i].Chat < chats[j].Chat })
	for _, inv := range chats {
		invites = append(invites, protocol.Invite{Chat: inv.Chat, From: inv.From, InvitedAt: inv.InvitedAt})
	}
	return invites
}

// AddMessage appends a message to a channel's log, stamping the send time.
func (s *Store) AddMessage(target, sender string, msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.Sender = sender
	msg.SentAt = s.now().UTC()
	s.data.Messages[target] = append(s.data.Messages[target], msg)
	return s.save()
}

// ListMessages returns the newest limit messages of a channel, oldest first.
// A limit of zero or less returns the whole log.
func (s *Store) ListMessages(target string, limit int) []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.data.Messages[target]
	if limit > 0 && len(log) > limit {
		log = log[len(log)-limit:]
	}
	return append([]protocol.Message(nil), log...)
}

// RoomHasMember reports whether username belongs to the room.
func (s *Store) RoomHasMember(room, username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.data.Rooms[room]
	return ok && contains(record.Members, username)
}

// ChatHasMember reports whether username participates in the chat.
func (s *Store) ChatHasMember(chatID, username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.data.Chats[chatID]
	return ok && contains(record.Participants, username)
}

// RoomMembers returns the room's members, sorted.
func (s *Store) RoomMembers(room string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.data.Rooms[room]
	if !ok {
		return nil
	}
	members := append([]string(nil), record.Members...)
	sort.Strings(members)
	return members
}

// ChatMembers returns the chat's participants, sorted.
func (s *Store) ChatMembers(chatID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.data.Chats[chatID]
	if !ok {
		return nil
	}
	members := append([]string(nil), record.Participants...)
	sort.Strings(members)
	return members
}

// SetStatus persists a user's presence.
func (s *Store) SetStatus(username string, online bool, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Status[username] = Status{Online: online, LastSeen: lastSeen.UTC()}
	return s.save()
}

// Statuses returns the persisted presence of every user.
func (s *Store) Statuses() map[string]Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	statuses := make(map[string]Status, len(s.data.Status))
	for username, status := range s.data.Status {
		statuses[username] = status
	}
	return statuses
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

func removeInvite(invites []inviteRecord, match func(inviteRecord) bool) []inviteRecord {
	kept := invites[:0]
	for _, inv := range invites {
		if !match(inv) {
			kept = append(kept, inv)
		}
	}
	return kept
}
