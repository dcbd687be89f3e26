package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/adwski/chat-realtime/backend/model"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultHistoryLimit = 50

var (
	ErrGroupNotFound = errors.New("group is not found")
	ErrUserNotFound  = errors.New("user is not found")
	ErrNotReceiver   = errors.New("only the receiver can mark a message read")
)

type User struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Group struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Config struct {
	DB           *badger.DB
	Logger       *zerolog.Logger
	HistoryLimit int
}

// Store keeps the records the realtime core consults: users, groups,
// memberships, contacts and messages.
//
//	user:{id}                        -> User
//	group:{id}                       -> Group
//	member:{userID}:group:{groupID}  -> empty
//	member:{userID}:contact:{userID} -> empty
//	msg:{conversation}:{ts19}:{id}   -> Message
//	msgid:{id}                       -> msg key
type Store struct {
	db     *badger.DB
	logger zerolog.Logger
	limit  int
}

func NewStore(cfg Config) *Store {
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &Store{
		db:     cfg.DB,
		logger: cfg.Logger.With().Str("component", "kv-store").Logger(),
		limit:  limit,
	}
}

func userKey(id int64) []byte  { return []byte("user:" + strconv.FormatInt(id, 10)) }
func groupKey(id int64) []byte { return []byte("group:" + strconv.FormatInt(id, 10)) }

func memberPrefix(userID int64) string {
	return "member:" + strconv.FormatInt(userID, 10) + ":"
}

func groupMemberKey(userID, groupID int64) []byte {
	return []byte(memberPrefix(userID) + "group:" + strconv.FormatInt(groupID, 10))
}

func contactKey(userID, contactID int64) []byte {
	return []byte(memberPrefix(userID) + "contact:" + strconv.FormatInt(contactID, 10))
}

func messagePrefix(conversation string) string {
	return "msg:" + conversation + ":"
}

func messageIDKey(id string) []byte { return []byte("msgid:" + id) }

func (s *Store) PutUser(ctx context.Context, u User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.putJSON(userKey(u.ID), u)
}

// PutGroup stores the group and adds members to it.
func (s *Store) PutGroup(ctx context.Context, g Group, members ...int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(&g)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(groupKey(g.ID), data); err != nil {
			return err
		}
		for _, userID := range members {
			if err := txn.Set(groupMemberKey(userID, g.ID), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) AddGroupMember(ctx context.Context, groupID, userID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(groupKey(groupID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return errors.Join(model.ErrNotFound, ErrGroupNotFound)
			}
			return err
		}
		return txn.Set(groupMemberKey(userID, groupID), nil)
	})
}

// AddContact links both users to each other.
func (s *Store) AddContact(ctx context.Context, userID, contactID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(contactKey(userID, contactID), nil); err != nil {
			return err
		}
		return txn.Set(contactKey(contactID, userID), nil)
	})
}

func (s *Store) GetRoomsFor(ctx context.Context, userID int64) (model.Memberships, error) {
	var m model.Memberships
	if err := ctx.Err(); err != nil {
		return m, err
	}
	prefix := []byte(memberPrefix(userID))
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
			kind, idStr, ok := strings.Cut(rest, ":")
			if !ok {
				continue
			}
			id, err := strconv.ParseInt(idStr, 10, 64)
			if err != nil {
				s.logger.Warn().Str("key", string(it.Item().Key())).Msg("malformed membership key")
				continue
			}
			switch kind {
			case "group":
				m.GroupIDs = append(m.GroupIDs, id)
			case "contact":
				m.ContactIDs = append(m.ContactIDs, id)
			}
		}
		return nil
	})
	return m, err
}

func (s *Store) UserExists(ctx context.Context, userID int64) (bool, error) {
	return s.exists(ctx, userKey(userID))
}

func (s *Store) GroupExists(ctx context.Context, groupID int64) (bool, error) {
	return s.exists(ctx, groupKey(groupID))
}

func (s *Store) GetUser(ctx context.Context, userID int64) (User, error) {
	var u User
	if err := ctx.Err(); err != nil {
		return u, err
	}
	err := s.getJSON(userKey(userID), &u)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return u, errors.Join(model.ErrNotFound, ErrUserNotFound)
	}
	return u, err
}

// PersistMessage stores msg, assigning an id when it has none.
// Keys embed a zero padded timestamp so a prefix scan is chronological.
func (s *Store) PersistMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return msg, err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	key := fmt.Sprintf("%s%019d:%s", messagePrefix(msg.Conversation()), msg.CreatedAt.UnixNano(), msg.ID)
	data, err := json.Marshal(&msg)
	if err != nil {
		return msg, err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(key), data); err != nil {
			return err
		}
		return txn.Set(messageIDKey(msg.ID), []byte(key))
	})
	return msg, err
}

// GetMessages pages through a conversation, newest first. The returned
// cursor is empty when there is nothing older.
func (s *Store) GetMessages(ctx context.Context, conversation, cursor string, limit int) ([]model.Message, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if limit <= 0 || limit > s.limit {
		limit = s.limit
	}
	prefixStr := messagePrefix(conversation)
	prefix := []byte(prefixStr)

	var (
		messages []model.Message
		lastKey  string
	)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		seekKey := prefixStr + "~"
		if cursor != "" {
			seekKey = prefixStr + cursor
		}
		it.Seek([]byte(seekKey))
		if cursor != "" && it.ValidForPrefix(prefix) && string(it.Item().Key()) == seekKey {
			it.Next()
		}

		for ; it.ValidForPrefix(prefix) && len(messages) < limit; it.Next() {
			item := it.Item()
			var msg model.Message
			if err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &msg)
			}); err != nil {
				return err
			}
			messages = append(messages, msg)
			lastKey = string(item.Key()[len(prefix):])
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	if len(messages) < limit {
		lastKey = ""
	}
	return messages, lastKey, nil
}

// MarkRead flips the read flag of a direct message. Only its receiver
// may do so.
func (s *Store) MarkRead(ctx context.Context, messageID string, readerID int64) (model.Message, error) {
	var msg model.Message
	if err := ctx.Err(); err != nil {
		return msg, err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(messageIDKey(messageID))
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		item, err = txn.Get(key)
		if err != nil {
			return err
		}
		if err = item.Value(func(v []byte) error {
			return json.Unmarshal(v, &msg)
		}); err != nil {
			return err
		}
		if msg.ReceiverID != readerID {
			return errors.Join(model.ErrValidation, ErrNotReceiver)
		}
		if msg.Read {
			return nil
		}
		msg.Read = true
		data, err := json.Marshal(&msg)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return msg, errors.Join(model.ErrNotFound, fmt.Errorf("message %s", messageID))
	}
	return msg, err
}

func (s *Store) exists(ctx context.Context, key []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) putJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func (s *Store) getJSON(key []byte, v any) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(b []byte) error {
			return json.Unmarshal(b, v)
		})
	})
}
