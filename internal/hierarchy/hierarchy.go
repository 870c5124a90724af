// Package hierarchy maintains the materialized-path referral tree: participant
// registration, one-time referrer binding with cycle rejection, and subtree
// queries used by settlement traversal.
package hierarchy

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/meridianfi/referral-engine/internal/domain"
	"github.com/meridianfi/referral-engine/internal/logger"
	"github.com/meridianfi/referral-engine/internal/store"
	"github.com/meridianfi/referral-engine/internal/store/schema"
)

// Invalidator receives the affected subtree root after any tree mutation so a
// single cache policy can drop stale performance entries
type Invalidator interface {
	Invalidate(ctx context.Context, rootAddress string)
}

// noopInvalidator is used when no cache is wired
type noopInvalidator struct{}

func (noopInvalidator) Invalidate(context.Context, string) {}

// Service operates the referral tree
type Service struct {
	store       store.Store
	invalidator Invalidator

	// reparentMu serializes subtree moves; concurrent moves of overlapping
	// subtrees would race on path rewrites
	reparentMu sync.Mutex
}

// NewService creates a hierarchy service. A nil invalidator disables cache
// notifications.
func NewService(st store.Store, invalidator Invalidator) *Service {
	if invalidator == nil {
		invalidator = noopInvalidator{}
	}
	return &Service{store: st, invalidator: invalidator}
}

// EnsureParticipant returns the participant for address, creating it as a new
// root (no superior) on first interaction. Safe against concurrent creation
// for the same address.
func (s *Service) EnsureParticipant(ctx context.Context, address string) (*schema.Participant, error) {
	participant, err := s.store.GetParticipantByAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	if participant != nil {
		return participant, nil
	}

	participant, err = s.store.CreateParticipant(ctx, address, nil)
	if err == nil {
		return participant, nil
	}
	// lost a creation race; the row exists now
	if existing, getErr := s.store.GetParticipantByAddress(ctx, address); getErr == nil && existing != nil {
		return existing, nil
	}
	return nil, err
}

// BindReferrer sets the superior of address to superiorAddress and moves the
// whole subtree under the new superior. It fails with ErrAlreadyHasSuperior if
// a referrer is already bound and with ErrCycleDetected if the new superior
// sits inside the subtree being moved.
func (s *Service) BindReferrer(ctx context.Context, address, superiorAddress string) error {
	if address == superiorAddress {
		return domain.ErrCycleDetected
	}

	s.reparentMu.Lock()
	defer s.reparentMu.Unlock()

	err := s.store.Atomic(ctx, func(st store.Store) error {
		user, err := st.GetParticipantByAddressForUpdate(ctx, address)
		if err != nil {
			return err
		}
		if user == nil {
			return fmt.Errorf("%w: participant %s", domain.ErrNotFound, address)
		}
		if user.SuperiorAddress != nil {
			return domain.ErrAlreadyHasSuperior
		}

		superior, err := st.GetParticipantByAddressForUpdate(ctx, superiorAddress)
		if err != nil {
			return err
		}
		if superior == nil {
			return fmt.Errorf("%w: superior %s", domain.ErrNotFound, superiorAddress)
		}

		userPath, err := domain.ParsePath(user.Path)
		if err != nil {
			return fmt.Errorf("corrupt path for %s: %w", address, err)
		}
		superiorPath, err := domain.ParsePath(superior.Path)
		if err != nil {
			return fmt.Errorf("corrupt path for %s: %w", superiorAddress, err)
		}

		if superiorPath.Contains(user.ID) {
			return domain.ErrCycleDetected
		}

		subtree, err := st.SubtreeParticipants(ctx, userPath, true)
		if err != nil {
			return err
		}
		for _, sub := range subtree {
			if superiorPath.Contains(sub.ID) {
				return domain.ErrCycleDetected
			}
		}

		// the old ancestor prefix is cut off and the new superior's path
		// prepended, for the node and every subordinate
		strip := len(userPath) - 1
		updates := make([]store.PathUpdate, 0, len(subtree)+1)
		updates = append(updates, store.PathUpdate{
			ID:             user.ID,
			Path:           userPath.Rebase(superiorPath, strip),
			Superior:       &superior.Address,
			UpdateSuperior: true,
		})
		for _, sub := range subtree {
			subPath, err := domain.ParsePath(sub.Path)
			if err != nil {
				return fmt.Errorf("corrupt path for %s: %w", sub.Address, err)
			}
			newPath := subPath.Rebase(superiorPath, strip)
			update := store.PathUpdate{ID: sub.ID, Path: newPath}
			if newPath.Depth() <= 0 {
				update.Superior = nil
				update.UpdateSuperior = true
			}
			updates = append(updates, update)
		}

		return st.UpdateParticipantPaths(ctx, updates)
	})
	if err != nil {
		return err
	}

	logger.InfoCtx(ctx, "referrer bound",
		zap.String("address", address),
		zap.String("superior", superiorAddress))
	s.invalidator.Invalidate(ctx, address)
	return nil
}

// Subordinates lists subordinates of address. With direct set, only children
// are returned; otherwise the whole downline. An optional member type filter
// narrows the result.
func (s *Service) Subordinates(ctx context.Context, address string, direct bool, typeFilter *domain.MemberType) ([]*schema.Participant, error) {
	participant, err := s.store.GetParticipantByAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	if participant == nil {
		return nil, fmt.Errorf("%w: participant %s", domain.ErrNotFound, address)
	}

	var subs []*schema.Participant
	if direct {
		subs, err = s.store.DirectSubordinates(ctx, address)
	} else {
		var path domain.Path
		path, err = domain.ParsePath(participant.Path)
		if err != nil {
			return nil, fmt.Errorf("corrupt path for %s: %w", address, err)
		}
		subs, err = s.store.SubtreeParticipants(ctx, path, false)
	}
	if err != nil {
		return nil, err
	}

	if typeFilter == nil {
		return subs, nil
	}
	filtered := subs[:0]
	for _, sub := range subs {
		if sub.MemberType != nil && *sub.MemberType == *typeFilter {
			filtered = append(filtered, sub)
		}
	}
	return filtered, nil
}

// MaxDepth returns the deepest tree level
func (s *Service) MaxDepth(ctx context.Context) (int, error) {
	return s.store.MaxDepth(ctx)
}

// AtDepth pages through participants at one depth for bottom-up traversal
func (s *Service) AtDepth(ctx context.Context, depth, limit, offset int) ([]*schema.Participant, error) {
	return s.store.ParticipantsAtDepth(ctx, depth, limit, offset)
}
