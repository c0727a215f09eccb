package repo

import (
	"context"
	"fmt"

	"github.com/Riotolondon/fleet-sub000/internal/db"
	"github.com/Riotolondon/fleet-sub000/internal/model"
)

// UserRepository reads the user directory maintained by the account service.
type UserRepository interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
}

type userRepository struct {
	store      db.Store
	collection string
}

func NewUserRepository(store db.Store, collection string) UserRepository {
	return &userRepository{
		store:      store,
		collection: collection,
	}
}

func (r *userRepository) GetUser(ctx context.Context, id string) (*model.User, error) {
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	var user model.User
	if err := r.store.Get(ctx, r.collection, id, &user); err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return &user, nil
}
