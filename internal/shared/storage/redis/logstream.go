package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// MaxLogStreamLength 每次运行日志流的近似上限
const MaxLogStreamLength = 10000

// logStreamKey 运行日志流: {prefix}logs:{run_id}
func (s *Store) logStreamKey(runID string) string {
	return s.prefix + "logs:" + runID
}

// AppendLog 追加一条运行日志
func (s *Store) AppendLog(ctx context.Context, runID string, values map[string]interface{}) error {
	args := &redis.XAddArgs{
		Stream: s.logStreamKey(runID),
		MaxLen: MaxLogStreamLength,
		Approx: true,
		Values: values,
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to append run log: %w", err)
	}
	return nil
}

// ReadLogs 读取运行日志，count <= 0 时读取全部
func (s *Store) ReadLogs(ctx context.Context, runID string, count int64) ([]map[string]interface{}, error) {
	var (
		msgs []redis.XMessage
		err  error
	)
	if count > 0 {
		msgs, err = s.client.XRangeN(ctx, s.logStreamKey(runID), "-", "+", count).Result()
	} else {
		msgs, err = s.client.XRange(ctx, s.logStreamKey(runID), "-", "+").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read run logs: %w", err)
	}
	out := make([]map[string]interface{}, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Values)
	}
	return out, nil
}
