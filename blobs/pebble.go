package blobs

import (
	"bytes"
	"context"

	"github.com/NuGet/Insights-sub012/insights_errors"
	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
)

// PebbleStore keeps blobs in a shared pebble database.
//
//	c<container>           container marker
//	B<container> 0 <name>  blob bytes
type PebbleStore struct {
	db *pebble.DB
	wo *pebble.WriteOptions
}

func NewPebbleStore(db *pebble.DB, wo *pebble.WriteOptions) *PebbleStore {
	if wo == nil {
		wo = pebble.Sync
	}
	return &PebbleStore{db: db, wo: wo}
}

func containerKey(container string) []byte {
	return append([]byte{'c'}, container...)
}

func blobPrefix(container string) []byte {
	key := append([]byte{'B'}, container...)
	return append(key, 0)
}

func blobKey(container, name string) []byte {
	return append(blobPrefix(container), name...)
}

func (s *PebbleStore) checkContainer(container string) error {
	if err := ValidateContainerName(container); err != nil {
		return err
	}
	_, closer, err := s.db.Get(containerKey(container))
	if err == pebble.ErrNotFound {
		return errors.Wrapf(insights_errors.ErrNotFound, "container %s", container)
	}
	if err != nil {
		return err
	}
	return closer.Close()
}

func (s *PebbleStore) CreateContainer(ctx context.Context, container string) error {
	if err := ValidateContainerName(container); err != nil {
		return err
	}
	return s.db.Set(containerKey(container), nil, s.wo)
}

func (s *PebbleStore) DeleteContainer(ctx context.Context, container string) error {
	if err := ValidateContainerName(container); err != nil {
		return err
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	prefix := blobPrefix(container)
	end := bytes.Clone(prefix)
	end[len(end)-1] = 1
	if err := batch.DeleteRange(prefix, end, nil); err != nil {
		return err
	}
	if err := batch.Delete(containerKey(container), nil); err != nil {
		return err
	}
	return batch.Commit(s.wo)
}

func (s *PebbleStore) Put(ctx context.Context, container, name string, data []byte) error {
	if err := s.checkContainer(container); err != nil {
		return err
	}
	return s.db.Set(blobKey(container, name), data, s.wo)
}

func (s *PebbleStore) Get(ctx context.Context, container, name string) ([]byte, error) {
	if err := s.checkContainer(container); err != nil {
		return nil, err
	}
	data, closer, err := s.db.Get(blobKey(container, name))
	if err == pebble.ErrNotFound {
		return nil, errors.Wrapf(insights_errors.ErrNotFound, "blob %s/%s", container, name)
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return bytes.Clone(data), nil
}

func (s *PebbleStore) Delete(ctx context.Context, container, name string) error {
	if err := s.checkContainer(container); err != nil {
		return err
	}
	return s.db.Delete(blobKey(container, name), s.wo)
}

func (s *PebbleStore) List(ctx context.Context, container, prefix string) ([]string, error) {
	if err := s.checkContainer(container); err != nil {
		return nil, err
	}
	base := blobPrefix(container)
	end := bytes.Clone(base)
	end[len(end)-1] = 1
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: append(bytes.Clone(base), prefix...),
		UpperBound: end,
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var names []string
	for valid := iter.First(); valid; valid = iter.Next() {
		name := string(iter.Key()[len(base):])
		if len(name) < len(prefix) || name[:len(prefix)] != prefix {
			break
		}
		names = append(names, name)
	}
	return names, iter.Error()
}
