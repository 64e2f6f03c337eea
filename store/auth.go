package store

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"github.com/brevmail/brev/consts"
)

// Authenticate verifies a password against the stored bcrypt hash and
// returns the account. Unknown users and wrong passwords both come back as
// ErrAuthFailed so the protocol layers cannot leak which one it was.
func (s *Store) Authenticate(ctx context.Context, address, password string) (*User, error) {
	user, err := s.GetUserByAddress(ctx, address)
	if err != nil {
		if errors.Is(err, consts.ErrUserNotFound) {
			return nil, consts.ErrAuthFailed
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, consts.ErrAuthFailed
	}
	return user, nil
}
