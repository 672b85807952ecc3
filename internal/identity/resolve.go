package identity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cikgu/cikgu/internal/model"
	"github.com/cikgu/cikgu/internal/store"
)

// ResolveOrCreateUser maps an external profile onto a local user. A known
// identity id refreshes the stored profile; an unknown one creates a student.
// A local account with the same email and no identity id is linked.
func ResolveOrCreateUser(ctx context.Context, s *store.Store, p Profile) (model.User, error) {
	p.Sub = strings.TrimSpace(p.Sub)
	p.Email = strings.TrimSpace(p.Email)
	if p.Sub == "" {
		return model.User{}, &model.AuthenticationError{Msg: "profile has no identity id"}
	}
	if p.Email == "" {
		return model.User{}, &model.AuthenticationError{Msg: "profile has no email"}
	}
	name := p.Name
	if name == "" {
		name = p.Email
	}

	var user model.User
	err := s.InTx(ctx, func(q *store.Queries) error {
		u, err := q.GetUserByGoogleID(ctx, p.Sub)
		if err != nil {
			return fmt.Errorf("get user by google id: %w", err)
		}
		if u == nil {
			u, err = q.GetUserByEmail(ctx, p.Email)
			if err != nil {
				return fmt.Errorf("get user by email: %w", err)
			}
			if u != nil {
				if u.GoogleID != "" {
					return &model.AuthenticationError{Msg: "email is linked to another account"}
				}
				if err := q.LinkGoogleID(ctx, u.ID, p.Sub); err != nil {
					return fmt.Errorf("link account: %w", err)
				}
			}
		}

		if u == nil {
			id, err := q.CreateUser(ctx, model.User{
				GoogleID: p.Sub,
				Email:    p.Email,
				Name:     name,
				Picture:  p.Picture,
				Role:     model.UserRoleStudent,
				Active:   true,
			})
			if err != nil {
				return fmt.Errorf("create user: %w", err)
			}
			u, err = q.GetUserByID(ctx, id)
			if err != nil {
				return err
			}
			user = *u
			return nil
		}

		if !u.Active {
			return &model.AuthenticationError{Msg: "account is disabled"}
		}
		if p.Email != u.Email {
			other, err := q.GetUserByEmail(ctx, p.Email)
			if err != nil {
				return fmt.Errorf("get user by email: %w", err)
			}
			if other != nil && other.ID != u.ID {
				return &model.AuthenticationError{Msg: "email is linked to another account"}
			}
		}
		if err := q.UpdateUserLogin(ctx, u.ID, p.Email, name, p.Picture); err != nil {
			return fmt.Errorf("update user: %w", err)
		}
		u, err = q.GetUserByID(ctx, u.ID)
		if err != nil {
			return err
		}
		user = *u
		return nil
	})
	if err != nil {
		return model.User{}, err
	}
	slog.Info("user signed in", "id", user.ID, "email", user.Email)
	return user, nil
}
