package filestore

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

type localStore struct{}

func init() {
	Register("file", createLocalStore)
}

func createLocalStore(args interface{}) (Store, error) {
	_ = args
	return &localStore{}, nil
}

func (s *localStore) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	_ = ctx
	path := strings.TrimPrefix(location, "file://")
	if path == "" {
		return nil, fmt.Errorf("empty file path")
	}
	return os.Open(path)
}
