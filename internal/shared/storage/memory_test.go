package storage_test

import (
	"testing"

	"elt-runner/internal/shared/storage"
	"elt-runner/internal/shared/storage/storagetest"
)

// TestMemoryStateStore 进程内状态存储一致性测试
func TestMemoryStateStore(t *testing.T) {
	storagetest.RunStateStore(t, func(t *testing.T) storage.StateStore {
		return storage.NewMemoryStateStore()
	})
}

// TestMemoryJobStore 进程内作业存储一致性测试
func TestMemoryJobStore(t *testing.T) {
	storagetest.RunJobStore(t, func(t *testing.T) storage.JobStore {
		return storage.NewMemoryJobStore()
	})
}
