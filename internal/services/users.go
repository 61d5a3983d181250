package services

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/2amu/PES-FIB/internal/models"
)

// UserDirectory resolves bearer tokens to users on the dev server.
type UserDirectory struct {
	mu    sync.RWMutex
	users map[string]models.User
}

// NewUserDirectory creates an empty directory.
func NewUserDirectory() *UserDirectory {
	return &UserDirectory{users: make(map[string]models.User)}
}

// ParseUserDirectory builds a directory from "token:id:username" entries
// separated by commas.
func ParseUserDirectory(spec string) (*UserDirectory, error) {
	dir := NewUserDirectory()
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
			return nil, fmt.Errorf("invalid user entry %q, want token:id:username", entry)
		}
		id, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user id in %q: %w", entry, err)
		}
		dir.Add(parts[0], models.User{ID: id, Username: parts[2]})
	}
	return dir, nil
}

// Add registers a user under a token.
func (d *UserDirectory) Add(token string, user models.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[token] = user
}

// Authenticate returns the user for a token.
func (d *UserDirectory) Authenticate(token string) (models.User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	user, ok := d.users[token]
	return user, ok
}
