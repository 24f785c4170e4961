package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Room is a bookable calendar resource identified by its address.
type Room struct {
	Address string   `json:"address"`
	Name    string   `json:"name"`
	Panels  []string `json:"panels,omitempty"`
}

// AddRoom creates a room or renames an existing one.
func (s *Store) AddRoom(ctx context.Context, room Room) error {
	if strings.TrimSpace(room.Address) == "" {
		return fmt.Errorf("room address cannot be empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rooms (address, name) VALUES (?, ?)
		ON CONFLICT(address) DO UPDATE SET name = excluded.name
	`, room.Address, room.Name)
	if err != nil {
		return fmt.Errorf("failed to add room: %w", err)
	}
	return nil
}

// ListRooms returns every room with its linked panels, ordered by address.
func (s *Store) ListRooms(ctx context.Context) ([]Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.address, r.name, p.uuid
		FROM rooms r LEFT JOIN panels p ON p.room_address = r.address
		ORDER BY r.address, p.uuid
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var address, name string
		var uuid sql.NullString
		if err := rows.Scan(&address, &name, &uuid); err != nil {
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		if len(rooms) == 0 || rooms[len(rooms)-1].Address != address {
			rooms = append(rooms, Room{Address: address, Name: name})
		}
		if uuid.Valid {
			last := &rooms[len(rooms)-1]
			last.Panels = append(last.Panels, uuid.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rooms: %w", err)
	}
	return rooms, nil
}

// FindRoom returns the room a panel UUID is linked to.
func (s *Store) FindRoom(ctx context.Context, uuid string) (Room, error) {
	var room Room
	err := s.db.QueryRowContext(ctx, `
		SELECT r.address, r.name FROM panels p JOIN rooms r ON r.address = p.room_address
		WHERE p.uuid = ?
	`, uuid).Scan(&room.Address, &room.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return room, ErrNotFound
	}
	if err != nil {
		return room, fmt.Errorf("failed to find room: %w", err)
	}
	return room, nil
}

// FindRoomByAddress returns a room and its panels.
func (s *Store) FindRoomByAddress(ctx context.Context, address string) (Room, error) {
	room := Room{Address: address}
	err := s.db.QueryRowContext(ctx, `SELECT name FROM rooms WHERE address = ?`, address).Scan(&room.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return room, ErrNotFound
	}
	if err != nil {
		return room, fmt.Errorf("failed to find room: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT uuid FROM panels WHERE room_address = ? ORDER BY uuid`, address)
	if err != nil {
		return room, fmt.Errorf("failed to list panels: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var uuid string
		if err := rows.Scan(&uuid); err != nil {
			return room, fmt.Errorf("failed to scan panel: %w", err)
		}
		room.Panels = append(room.Panels, uuid)
	}
	return room, rows.Err()
}

// LinkPanel shows room address on the panel with the given UUID. A panel
// shows one room; linking it again moves it.
func (s *Store) LinkPanel(ctx context.Context, uuid, address string) error {
	if _, err := s.FindRoomByAddress(ctx, address); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO panels (uuid, room_address) VALUES (?, ?)
		ON CONFLICT(uuid) DO UPDATE SET room_address = excluded.room_address, linked_at = CURRENT_TIMESTAMP
	`, uuid, address)
	if err != nil {
		return fmt.Errorf("failed to link panel: %w", err)
	}
	return nil
}

// UnlinkPanel removes a panel's room link.
func (s *Store) UnlinkPanel(ctx context.Context, uuid string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM panels WHERE uuid = ?`, uuid)
	if err != nil {
		return fmt.Errorf("failed to unlink panel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to unlink panel: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
