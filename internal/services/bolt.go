package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// BoltDB stores chats and their messages in a BoltDB file. Chats live in a single bucket keyed by
// chat ID; each chat owns a message bucket whose keys are sequence numbers, so iteration yields
// messages in insertion order.
type BoltDB struct {
	db  *bolt.DB
	now func() time.Time
}

var chatsBucket = []byte("chats")

// NewBoltDB opens, or creates with 0600 permissions, the database at path and makes sure the
// required buckets exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(chatsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return BoltDB{}, fmt.Errorf("failed to create chats bucket: %w", err)
	}

	return BoltDB{db: db, now: time.Now}, nil
}

func messageBucketName(chatID string) []byte {
	return []byte(fmt.Sprintf("chat-%s", chatID))
}

func sequenceKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

// CreateChat stores a new chat owned by userID. An empty title falls back to
// models.DefaultChatTitle.
func (b BoltDB) CreateChat(_ context.Context, userID, title string) (models.Chat, error) {
	if strings.TrimSpace(title) == "" {
		title = models.DefaultChatTitle
	}
	chat := models.Chat{
		ID:        uuid.NewString(),
		Title:     title,
		UserID:    userID,
		CreatedAt: b.now().UTC(),
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucket(messageBucketName(chat.ID)); err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}
		return putChat(tx, chat)
	})
	if err != nil {
		return models.Chat{}, err
	}
	return chat, nil
}

// Chats returns the chats owned by userID, newest first.
func (b BoltDB) Chats(_ context.Context, userID string) ([]models.Chat, error) {
	var chats []models.Chat
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(chatsBucket).ForEach(func(_, v []byte) error {
			var chat models.Chat
			if err := json.Unmarshal(v, &chat); err != nil {
				return fmt.Errorf("failed to unmarshal chat: %w", err)
			}
			if chat.UserID == userID {
				chats = append(chats, chat)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(chats)
	return chats, nil
}

// Chat returns the chat with chatID. It fails with models.ErrNotFound when the chat does not
// exist and models.ErrForbidden when it belongs to a user other than userID.
func (b BoltDB) Chat(_ context.Context, userID, chatID string) (models.Chat, error) {
	var chat models.Chat
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		chat, err = ownedChat(tx, userID, chatID)
		return err
	})
	return chat, err
}

// SearchChats returns the chats of userID whose title or messages contain query, ignoring case.
// A title match scores 10; every matching message scores 1, plus 0.5 for each query word it
// contains. Results are ordered by score, then newest first. An empty query returns every chat
// with a zero score.
func (b BoltDB) SearchChats(ctx context.Context, userID, query string) ([]models.ScoredChat, error) {
	term := strings.ToLower(strings.TrimSpace(query))
	if term == "" {
		chats, err := b.Chats(ctx, userID)
		if err != nil {
			return nil, err
		}
		res := make([]models.ScoredChat, len(chats))
		for i, chat := range chats {
			res[i] = models.ScoredChat{Chat: chat}
		}
		return res, nil
	}
	words := strings.Split(term, " ")

	var res []models.ScoredChat
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(chatsBucket).ForEach(func(_, v []byte) error {
			var chat models.Chat
			if err := json.Unmarshal(v, &chat); err != nil {
				return fmt.Errorf("failed to unmarshal chat: %w", err)
			}
			if chat.UserID != userID {
				return nil
			}

			matched := false
			score := 0.0
			if strings.Contains(strings.ToLower(chat.Title), term) {
				matched = true
				score += 10
			}

			msgs := tx.Bucket(messageBucketName(chat.ID))
			if msgs != nil {
				err := msgs.ForEach(func(_, v []byte) error {
					var msg models.Message
					if err := json.Unmarshal(v, &msg); err != nil {
						return fmt.Errorf("failed to unmarshal message: %w", err)
					}
					content := strings.ToLower(msg.Content)
					if !strings.Contains(content, term) {
						return nil
					}
					matched = true
					score++
					for _, w := range words {
						if strings.Contains(content, w) {
							score += 0.5
						}
					}
					return nil
				})
				if err != nil {
					return err
				}
			}

			if matched {
				res = append(res, models.ScoredChat{Chat: chat, RelevanceScore: score})
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(res, func(a, b models.ScoredChat) int {
		if a.RelevanceScore != b.RelevanceScore {
			if a.RelevanceScore > b.RelevanceScore {
				return -1
			}
			return 1
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return res, nil
}

// DeleteChat removes the chat with chatID together with all of its messages. Ownership is
// enforced as in Chat.
func (b BoltDB) DeleteChat(_ context.Context, userID, chatID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if _, err := ownedChat(tx, userID, chatID); err != nil {
			return err
		}
		err := tx.DeleteBucket(messageBucketName(chatID))
		if err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return fmt.Errorf("failed to delete message bucket: %w", err)
		}
		return tx.Bucket(chatsBucket).Delete([]byte(chatID))
	})
}

// UpdateChatTitle replaces the title of the chat with chatID, but only while the chat still
// carries models.DefaultChatTitle. It reports whether the title was changed.
func (b BoltDB) UpdateChatTitle(_ context.Context, chatID, title string) (bool, error) {
	updated := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		chat, err := getChat(tx, chatID)
		if err != nil {
			return err
		}
		if chat.Title != models.DefaultChatTitle {
			return nil
		}
		chat.Title = title
		updated = true
		return putChat(tx, chat)
	})
	return updated, err
}

// SendMessage stores content as a user message of the chat with chatID.
func (b BoltDB) SendMessage(ctx context.Context, chatID, content string) (string, error) {
	return b.StoreMessage(ctx, chatID, content, models.RoleUser)
}

// StoreMessage appends a message with the given role to the chat with chatID and returns its ID.
func (b BoltDB) StoreMessage(_ context.Context, chatID, content string, role models.Role) (string, error) {
	if !role.Valid() {
		return "", fmt.Errorf("invalid role %q", role)
	}

	msg := models.Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Role:      role,
		Content:   content,
		CreatedAt: b.now().UTC(),
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messageBucketName(chatID))
		if bucket == nil {
			return fmt.Errorf("chat %s: %w", chatID, models.ErrNotFound)
		}

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}

		v, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		return bucket.Put(sequenceKey(seq), v)
	})
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

// Messages returns the messages of the chat with chatID in the order they were stored.
func (b BoltDB) Messages(_ context.Context, chatID string) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messageBucketName(chatID))
		if bucket == nil {
			return fmt.Errorf("chat %s: %w", chatID, models.ErrNotFound)
		}

		return bucket.ForEach(func(_, v []byte) error {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// LastMessage returns the most recently stored message of the chat with chatID, or
// models.ErrNotFound when the chat has none.
func (b BoltDB) LastMessage(_ context.Context, chatID string) (models.Message, error) {
	var message models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messageBucketName(chatID))
		if bucket == nil {
			return fmt.Errorf("chat %s: %w", chatID, models.ErrNotFound)
		}

		_, v := bucket.Cursor().Last()
		if v == nil {
			return fmt.Errorf("chat %s has no messages: %w", chatID, models.ErrNotFound)
		}
		return json.Unmarshal(v, &message)
	})
	return message, err
}

func getChat(tx *bolt.Tx, chatID string) (models.Chat, error) {
	v := tx.Bucket(chatsBucket).Get([]byte(chatID))
	if v == nil {
		return models.Chat{}, fmt.Errorf("chat %s: %w", chatID, models.ErrNotFound)
	}
	var chat models.Chat
	if err := json.Unmarshal(v, &chat); err != nil {
		return models.Chat{}, fmt.Errorf("failed to unmarshal chat: %w", err)
	}
	return chat, nil
}

func ownedChat(tx *bolt.Tx, userID, chatID string) (models.Chat, error) {
	chat, err := getChat(tx, chatID)
	if err != nil {
		return models.Chat{}, err
	}
	if chat.UserID != userID {
		return models.Chat{}, fmt.Errorf("chat %s: %w", chatID, models.ErrForbidden)
	}
	return chat, nil
}

func putChat(tx *bolt.Tx, chat models.Chat) error {
	v, err := json.Marshal(chat)
	if err != nil {
		return fmt.Errorf("failed to marshal chat: %w", err)
	}
	return tx.Bucket(chatsBucket).Put([]byte(chat.ID), v)
}

func sortNewestFirst(chats []models.Chat) {
	slices.SortStableFunc(chats, func(a, b models.Chat) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
}
