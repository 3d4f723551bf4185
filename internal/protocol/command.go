package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// CommandPrefix marks a command inside a record's content.
const CommandPrefix = "@"

// maxCommandName bounds the command token, matching the wire grammar.
const maxCommandName = 31

// ParseCommand splits "@name args..." into the command name (the token after
// the prefix up to the first space) and the remainder.
func ParseCommand(content string) (name, args string) {
	body := strings.TrimPrefix(content, CommandPrefix)
	name, args, _ = strings.Cut(body, " ")
	if len(name) > maxCommandName {
		name = name[:maxCommandName]
	}
	return name, strings.TrimSpace(args)
}

// Command builds a COMMAND record from sender with content "@name args".
func Command(sender, name, args string) Request {
	content := CommandPrefix + name
	if args != "" {
		content += " " + args
	}
	return NewRequest(KindCommand, sender, "", content)
}

// ParseCredentials reads the "<username> <password>" content of a CONNECT
// record. Both tokens must be non-empty and shorter than SenderSize.
func ParseCredentials(content string) (username, password string, err error) {
	fields := strings.Fields(content)
	if len(fields) < 2 {
		return "", "", fmt.Errorf("%w: expected \"<username> <password>\"", ErrMalformed)
	}
	username, password = fields[0], fields[1]
	if len(username) >= SenderSize || len(password) >= SenderSize {
		return "", "", fmt.Errorf("%w: credentials exceed %d bytes", ErrMalformed, SenderSize-1)
	}
	return username, password, nil
}

// Connect builds a CONNECT record for username/password.
func Connect(username, password string) Request {
	return NewRequest(KindConnect, username, "", username+" "+password)
}

// FileReadyCommand is the command the server pushes once a download
// listener is waiting for the client.
const FileReadyCommand = "file_ready"

// FileReady announces that filename can be fetched from the given TCP port.
func FileReady(filename string, port int) Request {
	return Command(ServerName, FileReadyCommand, fmt.Sprintf("%s %d", filename, port))
}

// ParseFileReady reads an "@file_ready <filename> <port>" record.
func ParseFileReady(r Request) (filename string, port int, ok bool) {
	if r.Kind != KindCommand {
		return "", 0, false
	}
	name, args := ParseCommand(r.Content)
	if name != FileReadyCommand {
		return "", 0, false
	}
	fields := strings.Fields(args)
	if len(fields) != 2 {
		return "", 0, false
	}
	port, err := strconv.Atoi(fields[1])
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, false
	}
	return fields[0], port, true
}
