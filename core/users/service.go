package users

import (
	"context"
	"errors"
	"strings"
	"time"

	"evidence-ledger/core/audit"
	"evidence-ledger/core/errs"
	"evidence-ledger/core/rbac"
	"evidence-ledger/core/store"
	"evidence-ledger/core/utils"

	"go.uber.org/zap"
)

type RegisterInput struct {
	Email    string     `json:"email" validate:"omitempty,email"`
	Phone    string     `json:"phone" validate:"omitempty,max=32"`
	Name     string     `json:"name" validate:"required,max=255"`
	Role     store.Role `json:"role"`
	Language string     `json:"language" validate:"omitempty,max=8"`
}

// view is the audit snapshot of a user. It leaves out contact details so erasure does not
// depend on rewriting history.
type view struct {
	ID           string     `json:"id"`
	Role         store.Role `json:"role"`
	Language     string     `json:"language"`
	Active       bool       `json:"active"`
	ConsentGiven bool       `json:"consent_given"`
	ConsentAt    *time.Time `json:"consent_at,omitempty"`
	ErasedAt     *time.Time `json:"erased_at,omitempty"`
}

func viewOf(u *store.User) *view {
	if u == nil {
		return nil
	}
	return &view{
		ID:           u.ID,
		Role:         u.Role,
		Language:     u.Language,
		Active:       u.Active,
		ConsentGiven: u.ConsentGiven,
		ConsentAt:    u.ConsentAt,
		ErasedAt:     u.ErasedAt,
	}
}

type ErasureReport struct {
	UserID              string `json:"user_id"`
	IncidentsAnonymized int64  `json:"incidents_anonymized"`
	AuditRefsCleared    int64  `json:"audit_refs_cleared"`
}

type Service struct {
	db        *store.DB
	users     store.UsersStore
	incidents store.IncidentsStore
	audits    store.AuditStore
	audit     *audit.Recorder
	policy    *rbac.Policy
	logger    *utils.Logger
}

func NewService(db *store.DB, users store.UsersStore, incidents store.IncidentsStore, audits store.AuditStore, recorder *audit.Recorder, policy *rbac.Policy, logger *utils.Logger) *Service {
	return &Service{db: db, users: users, incidents: incidents, audits: audits, audit: recorder, policy: policy, logger: logger}
}

func (s *Service) Register(ctx context.Context, actor store.Actor, in RegisterInput) (*store.User, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Name = strings.TrimSpace(in.Name)
	if err := utils.ValidateStruct(in); err != nil {
		return nil, err
	}
	role, err := store.ParseRole(string(in.Role))
	if err != nil {
		return nil, err
	}
	user := &store.User{
		ID:       utils.NewID(),
		Email:    in.Email,
		Phone:    strings.TrimSpace(in.Phone),
		Name:     in.Name,
		Role:     role,
		Language: strings.TrimSpace(in.Language),
		Active:   true,
	}
	err = s.db.WithTx(ctx, func(tx *store.Tx) error {
		if err := s.users.Create(ctx, tx, user); err != nil {
			if store.IsUniqueViolation(err) {
				return errs.Validation("email is already registered")
			}
			return errs.Persistence("insert user", err)
		}
		_, err := s.audit.RecordTx(ctx, tx, actor, audit.Change{
			Action:     audit.ActionUserRegister,
			EntityType: store.EntityUser,
			EntityID:   user.ID,
			New:        viewOf(user),
		})
		return err
	})
	if err != nil {
		return nil, errs.Persistence("register user", err)
	}
	return user, nil
}

func (s *Service) Get(ctx context.Context, id string) (*store.User, error) {
	u, err := s.users.Get(ctx, s.db, id)
	if err != nil {
		return nil, errs.Persistence("get user", err)
	}
	if u == nil {
		return nil, errs.NotFound(store.EntityUser, id)
	}
	return u, nil
}

// RecordConsent must happen before any incident can reference the user.
func (s *Service) RecordConsent(ctx context.Context, actor store.Actor, userID string) (*store.User, error) {
	return s.mutate(ctx, actor, userID, audit.ActionUserConsent, "", func(tx *store.Tx, u *store.User, now time.Time) error {
		if u.ErasedAt != nil {
			return errs.Validation("user %s has been erased", u.ID)
		}
		return s.users.RecordConsent(ctx, tx, u.ID, now)
	})
}

func (s *Service) Deactivate(ctx context.Context, actor store.Actor, userID string) (*store.User, error) {
	return s.mutate(ctx, actor, userID, audit.ActionUserDeactivate, "", func(tx *store.Tx, u *store.User, now time.Time) error {
		if !u.Active {
			return errs.Validation("user %s is already inactive", u.ID)
		}
		return s.users.SetActive(ctx, tx, u.ID, false, now)
	})
}

func (s *Service) mutate(ctx context.Context, actor store.Actor, userID, action, reason string, apply func(tx *store.Tx, u *store.User, now time.Time) error) (*store.User, error) {
	var after *store.User
	err := s.db.WithTx(ctx, func(tx *store.Tx) error {
		before, err := s.users.Get(ctx, tx, userID)
		if err != nil {
			return errs.Persistence("load user", err)
		}
		if before == nil {
			return errs.NotFound(store.EntityUser, userID)
		}
		if err := apply(tx, before, utils.NowUTC()); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return errs.New(errs.CodeConcurrentModification, "user changed concurrently")
			}
			return errs.Persistence(action, err)
		}
		if after, err = s.users.Get(ctx, tx, userID); err != nil {
			return errs.Persistence("reload user", err)
		}
		_, err = s.audit.RecordTx(ctx, tx, actor, audit.Change{
			Action:     action,
			EntityType: store.EntityUser,
			EntityID:   userID,
			Old:        viewOf(before),
			New:        viewOf(after),
			Reason:     reason,
		})
		return err
	})
	if err != nil {
		return nil, errs.Persistence(action, err)
	}
	return after, nil
}

// Erase handles a deletion request. The erasure is audited first, then personal data is
// scrubbed, owned incidents lose free text and location, and the user's audit references are
// cleared. The user row stays so incidents keep an owner.
func (s *Service) Erase(ctx context.Context, actor store.Actor, userID, reason string) (*ErasureReport, error) {
	if actor.UserID != userID && !s.policy.Allowed(actor.Role, store.EntityUser, rbac.ActErase) {
		return nil, errs.New(errs.CodeForbidden, "only the user or an admin may request erasure")
	}
	report := &ErasureReport{UserID: userID}
	err := s.db.WithTx(ctx, func(tx *store.Tx) error {
		before, err := s.users.Get(ctx, tx, userID)
		if err != nil {
			return errs.Persistence("load user", err)
		}
		if before == nil {
			return errs.NotFound(store.EntityUser, userID)
		}
		if before.ErasedAt != nil {
			return errs.Validation("user %s is already erased", userID)
		}
		now := utils.NowUTC()
		erased := *before
		erased.Active = false
		erased.ErasedAt = &now
		if _, err := s.audit.RecordTx(ctx, tx, actor, audit.Change{
			Action:     audit.ActionUserErase,
			EntityType: store.EntityUser,
			EntityID:   userID,
			Old:        viewOf(before),
			New:        viewOf(&erased),
			Reason:     reason,
		}); err != nil {
			return err
		}
		if err := s.users.Scrub(ctx, tx, userID, now); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return errs.New(errs.CodeConcurrentModification, "user changed concurrently")
			}
			return errs.Persistence("scrub user", err)
		}
		if report.IncidentsAnonymized, err = s.incidents.AnonymizeByUser(ctx, tx, userID, now); err != nil {
			return errs.Persistence("anonymize incidents", err)
		}
		if report.AuditRefsCleared, err = s.audits.AnonymizeActor(ctx, tx, userID); err != nil {
			return errs.Persistence("anonymize audit actor", err)
		}
		return nil
	})
	if err != nil {
		return nil, errs.Persistence("erase user", err)
	}
	s.logger.Info("user erased",
		zap.String("user_id", userID),
		zap.Int64("incidents", report.IncidentsAnonymized),
		zap.Int64("audit_refs", report.AuditRefsCleared))
	return report, nil
}
