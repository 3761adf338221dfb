// Package repository is the generic gorm-backed store used by every service.
//
// FindOne reports a missing row as (nil, nil); callers decide whether absence
// is an error. WithTrx rebinds a repository to a transaction handle so the same
// value can be used inside db.Transaction callbacks.
package repository

import (
	"context"

	"gorm.io/gorm"

	"careledger/pkg/db/option"
)

type Repository[T any] interface {
	WithTrx(tx *gorm.DB) Repository[T]
	Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	Create(ctx context.Context, resource *T) error
	Save(ctx context.Context, resource *T) error
	Update(ctx context.Context, resourceID string, resource any) error
	UpdateWhere(ctx context.Context, updates map[string]any, opts ...option.QueryOption) (int64, error)
}

type store[T any] struct {
	db *gorm.DB
}

func ProvideStore[T any](db *gorm.DB) Repository[T] {
	return &store[T]{db: db}
}

func (s *store[T]) WithTrx(tx *gorm.DB) Repository[T] {
	if tx == nil {
		return s
	}
	return &store[T]{db: tx}
}

func (s *store[T]) query(ctx context.Context, query *T, opts []option.QueryOption) *gorm.DB {
	db := s.db.WithContext(ctx).Model(new(T))
	if query != nil {
		db = db.Where(query)
	}
	return option.Apply(db, opts...)
}

func (s *store[T]) Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error) {
	var out []*T
	if err := s.query(ctx, query, opts).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *store[T]) FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error) {
	var out []*T
	if err := s.query(ctx, query, opts).Limit(1).Find(&out).Error; err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

func (s *store[T]) Create(ctx context.Context, resource *T) error {
	return s.db.WithContext(ctx).Create(resource).Error
}

func (s *store[T]) Save(ctx context.Context, resource *T) error {
	return s.db.WithContext(ctx).Save(resource).Error
}

func (s *store[T]) Update(ctx context.Context, resourceID string, resource any) error {
	res := s.db.WithContext(ctx).Model(new(T)).Where("id = ?", resourceID).Updates(resource)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// UpdateWhere applies updates to every row matched by opts and reports how many changed.
// Callers use the count to detect lost compare-and-set races.
func (s *store[T]) UpdateWhere(ctx context.Context, updates map[string]any, opts ...option.QueryOption) (int64, error) {
	db := option.Apply(s.db.WithContext(ctx).Model(new(T)), opts...)
	res := db.Updates(updates)
	return res.RowsAffected, res.Error
}
