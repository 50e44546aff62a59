package repositoryimpl

import (
	"context"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/taskrelay/taskrelay/internal/attemptlog"
	"github.com/taskrelay/taskrelay/pkg/cerr"
	"github.com/taskrelay/taskrelay/pkg/storage"
)

const attemptsPrefix = "delivery_attempts"

type YAMLRepository struct {
	storage storage.Storage
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

func path(id string) string {
	return fmt.Sprintf("%s/%s.yaml", attemptsPrefix, id)
}

func (r *YAMLRepository) Create(ctx context.Context, a *attemptlog.Attempt) error {
	exists, err := r.storage.Exists(ctx, path(a.ID))
	if err != nil {
		return cerr.WrapStorageWriteError("delivery attempt", err)
	}
	if exists {
		return cerr.NewError(cerr.AlreadyExists, "delivery attempt already recorded", nil)
	}
	data, err := yaml.Marshal(a)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal delivery attempt: %w", err))
	}
	if err := r.storage.Write(ctx, path(a.ID), data); err != nil {
		return cerr.WrapStorageWriteError("delivery attempt", err)
	}
	return nil
}

func (r *YAMLRepository) ListByTask(ctx context.Context, taskID string) ([]*attemptlog.Attempt, error) {
	paths, err := r.storage.List(ctx, attemptsPrefix)
	if err != nil {
		return nil, cerr.WrapStorageReadError("delivery attempts", err)
	}

	var all []*attemptlog.Attempt
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			continue
		}
		var a attemptlog.Attempt
		if err := yaml.Unmarshal(data, &a); err != nil {
			continue
		}
		if taskID != "" && a.TaskID != taskID {
			continue
		}
		all = append(all, &a)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].SentAt.Before(all[j].SentAt)
	})
	return all, nil
}
