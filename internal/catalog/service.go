package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// RepositoryPort abstracts catalog reads for the service.
type RepositoryPort interface {
	GetDrug(ctx context.Context, id int64) (Drug, error)
	GetDrugByBarcode(ctx context.Context, barcode string) (Drug, error)
	GetBranch(ctx context.Context, id int64) (Branch, error)
	ListBranches(ctx context.Context) ([]Branch, error)
}

// Service serves catalog lookups with a Redis read-through cache. Drug
// rows change rarely, so concurrent misses for the same drug are
// collapsed into one database read.
type Service struct {
	repo  RepositoryPort
	cache *redis.Client
	ttl   time.Duration
	group singleflight.Group
}

// NewService builds Service. A nil cache disables caching.
func NewService(repo RepositoryPort, cache *redis.Client, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Service{repo: repo, cache: cache, ttl: ttl}
}

// GetDrug loads a drug, serving from cache when possible.
func (s *Service) GetDrug(ctx context.Context, id int64) (Drug, error) {
	if id == 0 {
		return Drug{}, ErrDrugNotFound
	}
	key := fmt.Sprintf("catalog:drug:%d", id)
	if s.cache != nil {
		raw, err := s.cache.Get(ctx, key).Bytes()
		if err == nil {
			var d Drug
			if err := json.Unmarshal(raw, &d); err == nil {
				return d, nil
			}
		} else if !errors.Is(err, redis.Nil) && ctx.Err() != nil {
			return Drug{}, ctx.Err()
		}
	}
	value, err, _ := s.group.Do(key, func() (any, error) {
		d, err := s.repo.GetDrug(ctx, id)
		if err != nil {
			return Drug{}, err
		}
		if s.cache != nil {
			if raw, err := json.Marshal(d); err == nil {
				_ = s.cache.Set(ctx, key, raw, s.ttl).Err()
			}
		}
		return d, nil
	})
	if err != nil {
		return Drug{}, err
	}
	return value.(Drug), nil
}

// GetDrugByBarcode resolves a drug from a scanned barcode. Barcode scans
// bypass the cache; the POS hits this once per scan.
func (s *Service) GetDrugByBarcode(ctx context.Context, barcode string) (Drug, error) {
	if barcode == "" {
		return Drug{}, ErrDrugNotFound
	}
	return s.repo.GetDrugByBarcode(ctx, barcode)
}

// GetBranch loads a branch by id.
func (s *Service) GetBranch(ctx context.Context, id int64) (Branch, error) {
	if id == 0 {
		return Branch{}, ErrBranchNotFound
	}
	return s.repo.GetBranch(ctx, id)
}

// ListBranches returns every active branch.
func (s *Service) ListBranches(ctx context.Context) ([]Branch, error) {
	return s.repo.ListBranches(ctx)
}

// InvalidateDrug drops a cached drug after catalog maintenance.
func (s *Service) InvalidateDrug(ctx context.Context, id int64) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Del(ctx, fmt.Sprintf("catalog:drug:%d", id)).Err()
}
