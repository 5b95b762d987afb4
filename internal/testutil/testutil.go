// Package testutil starts throwaway backing services for integration tests.
//
// Containers are shared by every test in a binary. A package that uses them
// should call Terminate from TestMain after m.Run.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/testcontainers/testcontainers-go"
)

var (
	mu         sync.Mutex
	containers []testcontainers.Container
)

func register(c testcontainers.Container) {
	mu.Lock()
	defer mu.Unlock()
	containers = append(containers, c)
}

// Terminate stops every container started by this package.
func Terminate() {
	mu.Lock()
	defer mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	for _, c := range containers {
		_ = c.Terminate(ctx) // best-effort cleanup
	}
	containers = nil
}
