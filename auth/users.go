// auth/users.go
package auth

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// User is one entry of the users file.
type User struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

type Users struct {
	byUsername map[string]User
}

// LoadUsers reads a YAML list of users with bcrypt password hashes.
func LoadUsers(path string) (*Users, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}
	var list []User
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse users file: %w", err)
	}
	return NewUsers(list...)
}

func NewUsers(list ...User) (*Users, error) {
	u := &Users{byUsername: make(map[string]User, len(list))}
	for _, user := range list {
		if user.ID == "" || user.Username == "" || user.PasswordHash == "" {
			return nil, fmt.Errorf("user %q: id, username and password_hash are required", user.Username)
		}
		if _, dup := u.byUsername[user.Username]; dup {
			return nil, fmt.Errorf("duplicate username %q", user.Username)
		}
		u.byUsername[user.Username] = user
	}
	return u, nil
}

// HashPassword is used to produce password_hash values.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Authenticate checks a username/password pair.
func (u *Users) Authenticate(username, password string) (Identity, error) {
	user, ok := u.byUsername[username]
	if !ok {
		return Identity{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	name := user.Name
	if name == "" {
		name = user.Username
	}
	return Identity{UserID: user.ID, Name: name}, nil
}
