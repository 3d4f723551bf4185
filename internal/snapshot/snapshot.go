// Package snapshot stores the user and room tables as two flat files:
// users.dat, a little-endian binary table, and rooms.txt, a line-oriented
// room listing.
package snapshot

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"parley/server/internal/core"
)

const (
	UsersFile = "users.dat"
	RoomsFile = "rooms.txt"

	// fieldSize is the width of the username and password fields,
	// NUL padding included.
	fieldSize = 50
	// defaultCreator is assumed for rooms written without a creator line.
	defaultCreator = "admin"
)

// Files is a core.Snapshot backed by users.dat and rooms.txt in one
// directory.
type Files struct {
	dir string
}

// New creates dir if needed.
func New(dir string) (*Files, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	return &Files{dir: dir}, nil
}

// SaveUsers writes every user record. Each record is username and password
// as fixed NUL-padded fields, role as int32, muted as one byte, then the
// mute expiry as int64 unix seconds.
func (f *Files) SaveUsers(_ context.Context, users []core.UserRecord) error {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, int32(len(users)))
	for _, u := range users {
		if len(u.Password) >= fieldSize {
			slog.Warn("password truncated in users file", "username", u.Username)
		}
		buf.Write(fixed(u.Username))
		buf.Write(fixed(u.Password))
		_ = binary.Write(&buf, binary.LittleEndian, int32(u.Role))
		var muted byte
		var until int64
		if u.Muted {
			muted = 1
			until = u.MuteUntil.Unix()
		}
		buf.WriteByte(muted)
		_ = binary.Write(&buf, binary.LittleEndian, until)
	}
	if err := writeAtomic(filepath.Join(f.dir, UsersFile), buf.Bytes()); err != nil {
		return err
	}
	slog.Debug("users file written", "count", len(users))
	return nil
}

// LoadUsers reads users.dat. A missing file is an empty table. Records
// written before mutes existed end right after the role; they load unmuted.
func (f *Files) LoadUsers(_ context.Context) ([]core.UserRecord, error) {
	data, err := os.ReadFile(filepath.Join(f.dir, UsersFile))
	if errors.Is(err, os.ErrNotExist) {
		slog.Info("no users file, starting empty", "dir", f.dir)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}
	return decodeUsers(data)
}

func decodeUsers(data []byte) ([]core.UserRecord, error) {
	r := bytes.NewReader(data)
	var count int32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("read user count: %w", err)
	}
	if count < 0 {
		return nil, fmt.Errorf("negative user count %d", count)
	}

	const (
		legacySize = 2*fieldSize + 4
		fullSize   = legacySize + 1 + 8
	)
	// Old files have no mute fields at all, so the record width is decided
	// once from the file size.
	full := count == 0 || int64(r.Len()) >= int64(count)*fullSize

	users := make([]core.UserRecord, 0, min(int(count), core.DefaultCapacity))
	for i := range int(count) {
		var rec [fullSize]byte
		size := legacySize
		if full {
			size = fullSize
		}
		if _, err := io.ReadFull(r, rec[:size]); err != nil {
			slog.Warn("users file truncated", "read", i, "expected", count)
			break
		}
		u := core.UserRecord{
			Username: unfixed(rec[:fieldSize]),
			Password: unfixed(rec[fieldSize : 2*fieldSize]),
			Role:     core.Role(int32(binary.LittleEndian.Uint32(rec[2*fieldSize:]))),
		}
		if full {
			u.Muted = rec[legacySize] != 0
			if until := int64(binary.LittleEndian.Uint64(rec[legacySize+1:])); u.Muted && until > 0 {
				u.MuteUntil = time.Unix(until, 0)
			}
		}
		users = append(users, u)
	}
	return users, nil
}

// SaveRooms writes rooms.txt.
func (f *Files) SaveRooms(_ context.Context, rooms []core.RoomRecord) error {
	var b strings.Builder
	for _, r := range rooms {
		if len(r.Members) == 0 {
			continue
		}
		fmt.Fprintf(&b, "room: %s\n", r.Name)
		fmt.Fprintf(&b, "creator: %s\n", r.Creator)
		for _, m := range r.Members {
			fmt.Fprintf(&b, "member: %s\n", m)
		}
	}
	return writeAtomic(filepath.Join(f.dir, RoomsFile), []byte(b.String()))
}

// LoadRooms reads rooms.txt. A missing file is an empty table.
func (f *Files) LoadRooms(_ context.Context) ([]core.RoomRecord, error) {
	file, err := os.Open(filepath.Join(f.dir, RoomsFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open rooms file: %w", err)
	}
	defer file.Close()
	return parseRooms(file)
}

// parseRooms also accepts the salon/createur/membre keys of older files.
func parseRooms(r io.Reader) ([]core.RoomRecord, error) {
	var rooms []core.RoomRecord
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimRight(sc.Text(), "\r"), ": ")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "room", "salon":
			rooms = append(rooms, core.RoomRecord{Name: value, Creator: defaultCreator})
		case "creator", "createur":
			if len(rooms) > 0 && value != "" {
				rooms[len(rooms)-1].Creator = value
			}
		case "member", "membre":
			if len(rooms) > 0 && value != "" {
				last := &rooms[len(rooms)-1]
				last.Members = append(last.Members, value)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read rooms file: %w", err)
	}
	return rooms, nil
}

func fixed(s string) []byte {
	b := make([]byte, fieldSize)
	copy(b[:fieldSize-1], s)
	return b
}

func unfixed(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
