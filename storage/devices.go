package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrDeviceNotFound is returned when a device has never been recorded.
var ErrDeviceNotFound = errors.New("storage: device not found")

// Device is one row of the peer archive: every device this node has
// ever completed a session with.
type Device struct {
	DeviceID      string
	DisplayName   string
	FirstSeen     int64
	LastConnected int64
	LastSeen      int64
	ConnectCount  int64
}

// RecordDeviceConnected upserts the device row and bumps its connect
// counter. Called once per established session.
func (s *Store) RecordDeviceConnected(deviceID, displayName string, when int64) error {
	if deviceID == "" {
		return errors.New("storage: device ID is required")
	}

	_, err := s.db.Exec(`
		INSERT INTO devices (device_id, display_name, first_seen, last_connected, last_seen, connect_count)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT(device_id) DO UPDATE SET
			display_name   = excluded.display_name,
			last_connected = excluded.last_connected,
			last_seen      = excluded.last_seen,
			connect_count  = connect_count + 1`,
		deviceID, displayName, when, when, when)
	if err != nil {
		return fmt.Errorf("record device connected: %w", err)
	}
	return nil
}

// RecordDeviceDisconnected refreshes last_seen for a known device. A
// disconnect for a device that was never recorded is ignored.
func (s *Store) RecordDeviceDisconnected(deviceID string, when int64) error {
	if deviceID == "" {
		return errors.New("storage: device ID is required")
	}

	_, err := s.db.Exec(
		"UPDATE devices SET last_seen = ? WHERE device_id = ?",
		when, deviceID)
	if err != nil {
		return fmt.Errorf("record device disconnected: %w", err)
	}
	return nil
}

// GetDevice returns one archived device.
func (s *Store) GetDevice(deviceID string) (*Device, error) {
	row := s.db.QueryRow(`
		SELECT device_id, display_name, first_seen, last_connected, last_seen, connect_count
		FROM devices WHERE device_id = ?`, deviceID)

	device, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return device, nil
}

// ListDevices returns the archive ordered by most recent connection.
func (s *Store) ListDevices() ([]*Device, error) {
	rows, err := s.db.Query(`
		SELECT device_id, display_name, first_seen, last_connected, last_seen, connect_count
		FROM devices ORDER BY last_connected DESC, device_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, device)
	}
	return devices, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var (
		device        Device
		lastConnected sql.NullInt64
		lastSeen      sql.NullInt64
	)
	err := row.Scan(
		&device.DeviceID,
		&device.DisplayName,
		&device.FirstSeen,
		&lastConnected,
		&lastSeen,
		&device.ConnectCount,
	)
	if err != nil {
		return nil, err
	}
	device.LastConnected = nullInt64(lastConnected)
	device.LastSeen = nullInt64(lastSeen)
	return &device, nil
}
