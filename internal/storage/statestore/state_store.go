package statestore

import (
	"encoding/binary"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	clerrors "github.com/devrev/pairdb/changelog/internal/errors"
	"github.com/devrev/pairdb/changelog/internal/model"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var stateBucket = []byte("changelog_state")

const (
	fieldSeparator     = " "
	generationIDField  = "generationId"
	offlineField       = "offline"
	generationIDLength = 8
)

// Store persists the ChangelogState as flat key/value pairs:
//
//	<domain> generationId      -> int64 big-endian
//	<domain> <replicaId>       -> empty
//	<domain> offline <replica> -> CSN key form
//
// Domains are query-escaped so they never contain the separator.
type Store struct {
	db     *bolt.DB
	path   string
	logger *zap.Logger
}

// Open opens or creates the state database at path
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, clerrors.InternalError(fmt.Sprintf("failed to open changelog state %s", path), err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, clerrors.InternalError("failed to create changelog state bucket", err)
	}
	return &Store{db: db, path: path, logger: logger}, nil
}

func escapeDomain(domain string) string {
	return url.QueryEscape(domain)
}

func generationIDKey(domain string) []byte {
	return []byte(escapeDomain(domain) + fieldSeparator + generationIDField)
}

func replicaKey(domain string, replicaID int32) []byte {
	return []byte(escapeDomain(domain) + fieldSeparator + strconv.FormatInt(int64(replicaID), 10))
}

func offlineKey(domain string, replicaID int32) []byte {
	return []byte(escapeDomain(domain) + fieldSeparator + offlineField + fieldSeparator +
		strconv.FormatInt(int64(replicaID), 10))
}

// Load rebuilds the ChangelogState from the persisted entries
func (s *Store) Load() (*model.ChangelogState, error) {
	state := model.NewChangelogState()
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).ForEach(func(k, v []byte) error {
			return applyEntry(state, string(k), v)
		})
	})
	if err != nil {
		return nil, clerrors.Wrap(clerrors.ErrCodeCorruptedData, "failed to load changelog state", err)
	}
	return state, nil
}

func applyEntry(state *model.ChangelogState, key string, value []byte) error {
	fields := strings.Split(key, fieldSeparator)
	domain, err := url.QueryUnescape(fields[0])
	if err != nil {
		return clerrors.CorruptedData(fmt.Sprintf("invalid domain in state key %q", key), err)
	}

	switch {
	case len(fields) == 2 && fields[1] == generationIDField:
		if len(value) != generationIDLength {
			return clerrors.CorruptedData(fmt.Sprintf("invalid generation id for domain %s", domain), nil)
		}
		state.SetDomainGenerationID(domain, int64(binary.BigEndian.Uint64(value)))
	case len(fields) == 2:
		replicaID, err := parseReplicaID(fields[1])
		if err != nil {
			return clerrors.CorruptedData(fmt.Sprintf("invalid state key %q", key), err)
		}
		state.AddServerIDToDomain(replicaID, domain)
	case len(fields) == 3 && fields[1] == offlineField:
		replicaID, err := parseReplicaID(fields[2])
		if err != nil {
			return clerrors.CorruptedData(fmt.Sprintf("invalid state key %q", key), err)
		}
		csn, err := model.ParseCSN(string(value))
		if err != nil {
			return clerrors.CorruptedData(fmt.Sprintf("invalid offline csn for %q", key), err)
		}
		if csn.ReplicaID != replicaID {
			return clerrors.CorruptedData(fmt.Sprintf("offline csn %s does not match key %q", csn, key), nil)
		}
		state.AddOfflineReplica(domain, csn)
	default:
		return clerrors.CorruptedData(fmt.Sprintf("unexpected state key %q", key), nil)
	}
	return nil
}

func parseReplicaID(s string) (int32, error) {
	id, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, err
	}
	if id < 0 {
		return 0, fmt.Errorf("negative replica id %d", id)
	}
	return int32(id), nil
}

func (s *Store) put(key, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Put(key, value)
	})
	if err != nil {
		return clerrors.InternalError(fmt.Sprintf("failed to persist state key %q", key), err)
	}
	return nil
}

func (s *Store) delete(key []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Delete(key)
	})
	if err != nil {
		return clerrors.InternalError(fmt.Sprintf("failed to delete state key %q", key), err)
	}
	return nil
}

// SetGenerationID persists the generation id of domain
func (s *Store) SetGenerationID(domain string, generationID int64) error {
	value := binary.BigEndian.AppendUint64(nil, uint64(generationID))
	return s.put(generationIDKey(domain), value)
}

// AddReplica registers a replica of domain
func (s *Store) AddReplica(domain string, replicaID int32) error {
	return s.put(replicaKey(domain, replicaID), []byte{})
}

// SetOffline records that the replica of offlineCSN went offline at that CSN
func (s *Store) SetOffline(domain string, offlineCSN model.CSN) error {
	return s.put(offlineKey(domain, offlineCSN.ReplicaID), []byte(offlineCSN.String()))
}

// ClearOffline removes the offline marker of a replica
func (s *Store) ClearOffline(domain string, replicaID int32) error {
	return s.delete(offlineKey(domain, replicaID))
}

// RemoveDomain removes every entry of domain
func (s *Store) RemoveDomain(domain string) error {
	prefix := []byte(escapeDomain(domain) + fieldSeparator)
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(stateBucket).Cursor()
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := tx.Bucket(stateBucket).Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return clerrors.InternalError(fmt.Sprintf("failed to remove state of domain %s", domain), err)
	}
	s.logger.Info("Removed changelog state of domain", zap.String("domain", domain))
	return nil
}

// Close closes the database
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return clerrors.InternalError(fmt.Sprintf("failed to close changelog state %s", s.path), err)
	}
	return nil
}
