package repositoryimpl

import (
	"context"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/longrun/internal/audit"
	"github.com/kazz187/longrun/pkg/cerr"
	"github.com/kazz187/longrun/pkg/storage"
)

const auditPrefix = "audit"

type YAMLRepository struct {
	storage storage.Storage
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

// Entry IDs are ULIDs, so lexicographic path order matches creation order.
func path(taskID, entryID string) string {
	return fmt.Sprintf("%s/%s/%s.yaml", auditPrefix, taskID, entryID)
}

func (r *YAMLRepository) Append(ctx context.Context, e *audit.Entry) error {
	if !e.Kind.Valid() {
		return cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown audit kind: %s", e.Kind), nil)
	}
	data, err := yaml.Marshal(e)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal audit entry: %w", err))
	}
	if err := r.storage.Write(ctx, path(e.TaskID, e.ID), data); err != nil {
		return cerr.WrapStorageWriteError("audit entry", err)
	}
	return nil
}

func (r *YAMLRepository) ListByTask(ctx context.Context, taskID string) ([]*audit.Entry, error) {
	paths, err := r.storage.List(ctx, fmt.Sprintf("%s/%s", auditPrefix, taskID))
	if err != nil {
		return nil, cerr.WrapStorageReadError("audit entries", err)
	}

	sort.Strings(paths)

	var entries []*audit.Entry
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			continue
		}
		var e audit.Entry
		if err := yaml.Unmarshal(data, &e); err != nil {
			continue
		}
		entries = append(entries, &e)
	}
	return entries, nil
}
