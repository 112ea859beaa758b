package main

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/puyokura/roomchat/model"
	"github.com/puyokura/roomchat/protocol"
	"github.com/rs/zerolog/log"
)

const storeHeader = "# username;iterations;saltBase64;hashBase64;banned"

// Store is the credential store. Records are cached in memory and the whole
// set is rewritten to disk on every mutation.
type Store struct {
	mu         sync.RWMutex
	users      map[string]*model.User
	path       string
	iterations int
}

func NewStore(path string, iterations int) *Store {
	if iterations < MinIterations {
		iterations = MinIterations
	}
	return &Store{
		users:      make(map[string]*model.User),
		path:       path,
		iterations: iterations,
	}
}

// Load reads the credential file. A missing file is an empty store.
// Unparsable lines are skipped with a warning.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		u, err := parseUserLine(line)
		if err != nil {
			log.Warn().Str("module", "store").Int("line", lineNo).Err(err).Msg("skipping credential record")
			continue
		}
		s.users[u.Username] = u
	}
	return sc.Err()
}

func parseUserLine(line string) (*model.User, error) {
	f := strings.Split(line, ";")
	if len(f) != 5 {
		return nil, fmt.Errorf("expected 5 fields, got %d", len(f))
	}
	if !protocol.ValidUsername(f[0]) {
		return nil, ErrInvalidUsername
	}
	iter, err := strconv.Atoi(f[1])
	if err != nil || iter <= 0 {
		return nil, fmt.Errorf("bad iteration count %q", f[1])
	}
	salt, err := base64.StdEncoding.DecodeString(f[2])
	if err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}
	hash, err := base64.StdEncoding.DecodeString(f[3])
	if err != nil {
		return nil, fmt.Errorf("hash: %w", err)
	}
	banned, err := strconv.ParseBool(f[4])
	if err != nil {
		return nil, fmt.Errorf("banned flag: %w", err)
	}
	return &model.User{
		Username:   f[0],
		Iterations: iter,
		Salt:       salt,
		Hash:       hash,
		Banned:     banned,
	}, nil
}

func formatUserLine(u *model.User) string {
	return strings.Join([]string{
		u.Username,
		strconv.Itoa(u.Iterations),
		base64.StdEncoding.EncodeToString(u.Salt),
		base64.StdEncoding.EncodeToString(u.Hash),
		strconv.FormatBool(u.Banned),
	}, ";")
}

// saveLocked must be called with mu held.
func (s *Store) saveLocked() error {
	names := make([]string, 0, len(s.users))
	for name := range s.users {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(storeHeader)
	b.WriteByte('\n')
	for _, name := range names {
		b.WriteString(formatUserLine(s.users[name]))
		b.WriteByte('\n')
	}
	return writeFileAtomic(s.path, []byte(b.String()), 0o600)
}

// Create adds a new user. The key is derived outside the lock; the name is
// checked again before insertion.
func (s *Store) Create(username string, password []byte) error {
	if !protocol.ValidUsername(username) {
		return ErrInvalidUsername
	}

	s.mu.RLock()
	_, exists := s.users[username]
	s.mu.RUnlock()
	if exists {
		return ErrUserExists
	}

	salt, err := NewSalt()
	if err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	u := &model.User{
		Username:   username,
		Iterations: s.iterations,
		Salt:       salt,
		Hash:       DeriveKey(password, salt, s.iterations),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[username]; exists {
		return ErrUserExists
	}
	s.users[username] = u
	if err := s.saveLocked(); err != nil {
		delete(s.users, username) // Rollback
		return fmt.Errorf("persist users: %w", err)
	}
	return nil
}

// Verify returns a copy of the record when password matches. Banned records
// are returned too; enforcing the ban is up to the caller.
func (s *Store) Verify(username string, password []byte) (*model.User, error) {
	s.mu.RLock()
	u, ok := s.users[username]
	var rec model.User
	if ok {
		rec = *u
	}
	s.mu.RUnlock()

	if !ok {
		// Burn comparable time so unknown names are not distinguishable.
		clear(DeriveKey(password, make([]byte, SaltBytes), s.iterations))
		return nil, ErrInvalidCredentials
	}
	if !PasswordMatches(password, &rec) {
		return nil, ErrInvalidCredentials
	}
	return &rec, nil
}

// Lookup returns a copy of the record for username.
func (s *Store) Lookup(username string) (model.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[username]
	if !ok {
		return model.User{}, false
	}
	return *u, true
}

// List returns every record sorted case-insensitively by username.
func (s *Store) List() []model.User {
	s.mu.RLock()
	out := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].Username), strings.ToLower(out[j].Username)
		if a != b {
			return a < b
		}
		return out[i].Username < out[j].Username
	})
	return out
}

// SetBanned flips the ban flag and persists. On a write failure the
// in-memory flag keeps the new value and the error is returned.
func (s *Store) SetBanned(username string, banned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return ErrUnknownUser
	}
	u.Banned = banned
	if err := s.saveLocked(); err != nil {
		return fmt.Errorf("persist users: %w", err)
	}
	return nil
}
