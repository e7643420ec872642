package store

import "context"

type userStore struct {
	pool *pool
}

func (s userStore) Get(ctx context.Context, id string) (User, bool, error) {
	var user User
	err := s.pool.Reader().GetContext(ctx, &user, s.pool.Reader().Rebind(`SELECT * FROM users WHERE id=?`), id)
	if err != nil {
		if isNoRows(err) {
			return User{}, false, nil
		}
		return User{}, false, err
	}
	return user, true, nil
}
