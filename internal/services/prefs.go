package services

import (
	"context"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Prefs are the user-adjustable chat settings persisted across restarts.
// Conversation history itself lives in the backend; only the submission
// preferences are kept locally.
type Prefs struct {
	PromptMode      string `json:"prompt_mode"`
	CustomPrompt    string `json:"custom_prompt"`
	SelectedSources []int  `json:"selected_sources"`
	Streaming       bool   `json:"streaming"`
}

// DefaultPrefs returns the preferences used before the user ever saved any.
func DefaultPrefs() Prefs {
	return Prefs{PromptMode: "default", Streaming: true}
}

const (
	prefsBucket = "prefs"
	prefsKey    = "current"
)

// BoltPrefs persists Prefs in a BoltDB file.
type BoltPrefs struct {
	db *bolt.DB
}

// NewBoltPrefs opens (creating if needed, with 0600 permissions) the
// preferences database at path and ensures its bucket exists.
func NewBoltPrefs(path string) (BoltPrefs, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltPrefs{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(prefsBucket))
		return err
	})

	return BoltPrefs{db: db}, err
}

// Load retrieves the stored preferences, falling back to defaults when
// nothing has been saved yet.
func (b BoltPrefs) Load(context.Context) (Prefs, error) {
	prefs := DefaultPrefs()
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(prefsBucket))
		if bucket == nil {
			return nil
		}

		v := bucket.Get([]byte(prefsKey))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &prefs); err != nil {
			return fmt.Errorf("failed to unmarshal prefs: %w", err)
		}
		return nil
	})
	if err != nil {
		return DefaultPrefs(), err
	}
	return prefs, nil
}

// Save stores the preferences, replacing any previous value.
func (b BoltPrefs) Save(_ context.Context, prefs Prefs) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(prefsBucket))
		if bucket == nil {
			return nil
		}

		v, err := json.Marshal(prefs)
		if err != nil {
			return fmt.Errorf("failed to marshal prefs: %w", err)
		}
		return bucket.Put([]byte(prefsKey), v)
	})
}

// Close closes the underlying database.
func (b BoltPrefs) Close() error {
	return b.db.Close()
}
