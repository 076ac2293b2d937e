// Package badgelink binds attendee accounts to badge users and imports
// external CTF results as score buffs.
package badgelink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ksw2000/hitcon-pcb-badge/internal/platform/errors"
	"github.com/ksw2000/hitcon-pcb-badge/internal/services/badge/storage"
	"github.com/ksw2000/hitcon-pcb-badge/internal/services/game"
)

// Service links attendees to badges and applies ReCTF solves.
type Service struct {
	links  storage.LinkStore
	users  storage.UserStore
	engine *game.Engine
	clock  func() time.Time
}

// New builds a link service over the badge store and game engine.
func New(links storage.LinkStore, users storage.UserStore, engine *game.Engine) *Service {
	return &Service{
		links:  links,
		users:  users,
		engine: engine,
		clock:  time.Now,
	}
}

// Link binds an attendee uid to a badge user. Re-linking the same pair is a
// no-op; a uid already bound to a different user is a conflict.
func (s *Service) Link(ctx context.Context, uid string, user uint32) error {
	if strings.TrimSpace(uid) == "" {
		return errors.New(errors.CodeInvalidArgument, "attendee uid is required")
	}
	if _, err := s.users.UserByID(ctx, user); err == storage.ErrNotFound {
		return errors.New(errors.CodeNotFound, fmt.Sprintf("unknown user %d", user))
	} else if err != nil {
		return fmt.Errorf("load user %d: %w", user, err)
	}
	err := s.links.InsertLink(ctx, uid, user)
	if err == storage.ErrAlreadyExists {
		return errors.New(errors.CodeFailedPrecondition, fmt.Sprintf("uid %q is already linked to another badge", uid))
	}
	if err != nil {
		return fmt.Errorf("link uid %q: %w", uid, err)
	}
	return nil
}

// Resolve translates an attendee uid to its badge user.
func (s *Service) Resolve(ctx context.Context, uid string) (uint32, error) {
	user, err := s.links.UserByLink(ctx, uid)
	if err == storage.ErrNotFound {
		return 0, errors.New(errors.CodeNotFound, fmt.Sprintf("uid %q is not linked", uid))
	}
	if err != nil {
		return 0, fmt.Errorf("resolve uid %q: %w", uid, err)
	}
	return user, nil
}

// ApplySolves records a linked attendee's ReCTF solve counts as buffs.
func (s *Service) ApplySolves(ctx context.Context, uid string, buffA, buffB int64) error {
	user, err := s.Resolve(ctx, uid)
	if err != nil {
		return err
	}
	if err := s.engine.UpdatePlayerBuff(ctx, user, buffA, buffB, s.clock().UTC()); err != nil {
		return fmt.Errorf("apply buffs for user %d: %w", user, err)
	}
	return nil
}
