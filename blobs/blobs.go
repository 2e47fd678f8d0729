// Package blobs stores named byte blobs grouped in containers.
package blobs

import (
	"context"
	"regexp"

	"github.com/NuGet/Insights-sub012/insights_errors"
	"github.com/pkg/errors"
)

type Store interface {
	// CreateContainer and DeleteContainer are idempotent.
	CreateContainer(ctx context.Context, container string) error
	DeleteContainer(ctx context.Context, container string) error
	// Put overwrites an existing blob.
	Put(ctx context.Context, container, name string, data []byte) error
	Get(ctx context.Context, container, name string) ([]byte, error)
	Delete(ctx context.Context, container, name string) error
	List(ctx context.Context, container, prefix string) ([]string, error)
}

// same rule S3 bucket names follow
var containerRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,61}[a-z0-9]$`)

func ValidateContainerName(container string) error {
	if !containerRe.MatchString(container) {
		return errors.Wrapf(insights_errors.ErrInvalidKey, "container name %q", container)
	}
	return nil
}
