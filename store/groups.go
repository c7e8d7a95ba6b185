package store

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrGroupNotFound indicates an operation on a group id with no local record.
var ErrGroupNotFound = errors.New("store: group not found")

// GroupRecord is the locally materialized membership set of one group.
type GroupRecord struct {
	ID      []byte
	Members []string
}

// GetGroup returns the group record for id, or nil when no record exists.
func (s *Store) GetGroup(id []byte) (*GroupRecord, error) {
	var membersJSON string
	err := s.db.QueryRow(`SELECT members FROM groups WHERE id = ?`, hex.EncodeToString(id)).Scan(&membersJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get group %x: %w", id, err)
	}

	var members []string
	if err := json.Unmarshal([]byte(membersJSON), &members); err != nil {
		return nil, fmt.Errorf("decode group %x members: %w", id, err)
	}
	return &GroupRecord{ID: append([]byte(nil), id...), Members: members}, nil
}

// CreateGroup materializes a new group with the given member set.
func (s *Store) CreateGroup(id []byte, members []string) error {
	membersJSON, err := encodeMembers(members)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO groups (id, members, created_at) VALUES (?, ?, ?)`,
		hex.EncodeToString(id), membersJSON, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create group %x: %w", id, err)
	}
	return nil
}

// ReplaceGroupMembers overwrites the member set of an existing group. Group
// membership is sync-of-record, never merged.
func (s *Store) ReplaceGroupMembers(id []byte, members []string) error {
	membersJSON, err := encodeMembers(members)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE groups SET members = ? WHERE id = ?`, membersJSON, hex.EncodeToString(id))
	if err != nil {
		return fmt.Errorf("replace members of group %x: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("replace members of group %x: %w", id, ErrGroupNotFound)
	}
	return nil
}

// RemoveGroupMember removes one member from an existing group.
func (s *Store) RemoveGroupMember(id []byte, member string) error {
	rec, err := s.GetGroup(id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("remove member from group %x: %w", id, ErrGroupNotFound)
	}

	members := make([]string, 0, len(rec.Members))
	for _, m := range rec.Members {
		if m != member {
			members = append(members, m)
		}
	}
	return s.ReplaceGroupMembers(id, members)
}

// DeleteGroup destroys the local group record. Deleting an absent group is a
// no-op.
func (s *Store) DeleteGroup(id []byte) error {
	if _, err := s.db.Exec(`DELETE FROM groups WHERE id = ?`, hex.EncodeToString(id)); err != nil {
		return fmt.Errorf("delete group %x: %w", id, err)
	}
	return nil
}

func encodeMembers(members []string) (string, error) {
	if members == nil {
		members = []string{}
	}
	b, err := json.Marshal(members)
	if err != nil {
		return "", fmt.Errorf("encode members: %w", err)
	}
	return string(b), nil
}
