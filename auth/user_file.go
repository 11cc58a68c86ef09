package auth

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// UserRecord is one line of the password file.
type UserRecord struct {
	Username     string
	PasswordHash string
}

// ReadUserFile parses a password file of "username:bcrypt-hash" lines.
// Blank lines and lines starting with '#' are skipped. A missing file yields
// an empty set.
func ReadUserFile(path string) (map[string]UserRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return make(map[string]UserRecord), nil
		}
		return nil, fmt.Errorf("failed to open user file: %w", err)
	}

	users := make(map[string]UserRecord)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, hash, ok := strings.Cut(line, ":")
		if !ok || name == "" || hash == "" {
			return nil, fmt.Errorf("%s:%d: expected username:hash", path, lineNo)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("%s:%d: invalid bcrypt hash for %q: %w", path, lineNo, name, err)
		}
		users[name] = UserRecord{Username: name, PasswordHash: hash}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read user file: %w", err)
	}
	return users, nil
}

// WriteUserFile writes users sorted by name with owner-only permissions.
func WriteUserFile(path string, users map[string]UserRecord) error {
	names := make([]string, 0, len(users))
	for name := range users {
		if strings.Contains(name, ":") {
			return fmt.Errorf("username %q must not contain ':'", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	for _, name := range names {
		fmt.Fprintf(&buf, "%s:%s\n", name, users[name].PasswordHash)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write user file: %w", err)
	}
	return nil
}

// HashPassword returns the bcrypt hash of password at the default cost.
func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}
