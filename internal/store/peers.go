// ABOUTME: Stable numbering of Matrix rooms
// ABOUTME: Rooms get an autoincrement number the first time they are seen

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// PeerNumber returns the number assigned to roomID, assigning the next one
// if the room is new.
func (s *SQLiteStore) PeerNumber(ctx context.Context, roomID string) (int64, error) {
	var number int64
	err := s.db.QueryRowContext(ctx, `SELECT number FROM matrix_peers WHERE room_id = ?`, roomID).Scan(&number)
	if err == nil {
		return number, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("querying peer: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO matrix_peers (room_id, created_at) VALUES (?, ?)`,
		roomID, formatTime(s.now()),
	)
	if isConstraintViolation(err) {
		// Lost a race with another insert for the same room.
		err = s.db.QueryRowContext(ctx, `SELECT number FROM matrix_peers WHERE room_id = ?`, roomID).Scan(&number)
		if err != nil {
			return 0, fmt.Errorf("querying peer after conflict: %w", err)
		}
		return number, nil
	}
	if err != nil {
		return 0, fmt.Errorf("inserting peer: %w", err)
	}

	number, err = result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading peer number: %w", err)
	}

	s.logger.Debug("numbered matrix room", "room_id", roomID, "number", number)
	return number, nil
}

// RoomForPeer returns the room with the given number.
// Returns ErrNotFound if no room has that number.
func (s *SQLiteStore) RoomForPeer(ctx context.Context, number int64) (string, error) {
	var roomID string
	err := s.db.QueryRowContext(ctx, `SELECT room_id FROM matrix_peers WHERE number = ?`, number).Scan(&roomID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying room: %w", err)
	}
	return roomID, nil
}
