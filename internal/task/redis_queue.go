package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"NUMA-Market/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisListCommands 是队列使用的 *redis.Client 方法子集。
type RedisListCommands interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LMove(ctx context.Context, source, destination, srcpos, destpos string) *redis.StringCmd
	BLMove(ctx context.Context, source, destination, srcpos, destpos string, timeout time.Duration) *redis.StringCmd
	LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd
}

// RedisQueue 使用 Redis list 实现任务队列。消费中的消息暂存在
// <queue>:processing 列表，进程崩溃后由下一次 Consume 放回队列。
type RedisQueue struct {
	client     RedisListCommands
	closer     func() error
	queue      string
	processing string
	wait       time.Duration
	logger     *slog.Logger
}

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	q := NewRedisQueueWithClient(client, cfg)
	q.closer = client.Close
	return q, nil
}

// NewRedisQueueWithClient 基于已有客户端创建队列。
func NewRedisQueueWithClient(client RedisListCommands, cfg RedisQueueConfig) *RedisQueue {
	queue := cfg.Queue
	if queue == "" {
		queue = "numa:purchases"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{
		client:     client,
		queue:      queue,
		processing: queue + ":processing",
		wait:       wait,
		logger:     logger.Named("task.redis"),
	}
}

// Publish 将任务投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, jobID string) error {
	if err := q.client.LPush(ctx, q.queue, jobID).Err(); err != nil {
		return fmt.Errorf("Redis 发布任务失败: %w", err)
	}
	return nil
}

// Consume 通过 BLMOVE 取任务，处理成功后从 processing 列表移除，失败则放回队尾。
// 所有工作协程退出后才返回。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	if err := q.recover(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		firstErr error
		once     sync.Once
	)
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := q.work(ctx, handler); err != nil && ctx.Err() == nil {
				once.Do(func() { firstErr = err })
				cancel()
			}
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

func (q *RedisQueue) work(ctx context.Context, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		jobID, err := q.client.BLMove(ctx, q.queue, q.processing, "RIGHT", "LEFT", q.wait).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
				return err
			}
			return fmt.Errorf("Redis 取任务失败: %w", err)
		}
		handlerErr := handler(ctx, jobID)
		// 确认与回退不受 ctx 取消影响，避免消息滞留在 processing 列表
		ack := context.WithoutCancel(ctx)
		if err := q.client.LRem(ack, q.processing, 1, jobID).Err(); err != nil {
			q.logger.Warn("确认任务失败", slog.String("job_id", jobID), slog.Any("error", err))
		}
		if handlerErr != nil {
			if err := q.client.LPush(ack, q.queue, jobID).Err(); err != nil {
				q.logger.Error("任务回退失败", slog.String("job_id", jobID), slog.Any("error", err))
			}
		}
	}
}

// recover 把上次未确认的消息放回队列。
func (q *RedisQueue) recover(ctx context.Context) error {
	moved := 0
	for {
		_, err := q.client.LMove(ctx, q.processing, q.queue, "RIGHT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return fmt.Errorf("恢复未确认任务失败: %w", err)
		}
		moved++
	}
	if moved > 0 {
		q.logger.Info("恢复未确认任务", slog.Int("count", moved))
	}
	return nil
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.closer == nil {
		return nil
	}
	return q.closer()
}
