package redis

import (
	"context"
	"fmt"
)

// cleanupDeadConsumers removes consumers idle longer than consumerIdle that hold no pending
// entries. Consumers with pending entries are left for claimIdleEntries to drain first.
func (b *Broker) cleanupDeadConsumers(ctx context.Context, queue string) error {
	consumers, err := b.rdb.XInfoConsumers(ctx, queue, b.group).Result()
	if err != nil {
		return fmt.Errorf("failed to get consumers info: %w", err)
	}

	removed := 0
	for _, consumer := range consumers {
		if consumer.Name == b.consumer || consumer.Idle <= b.consumerIdle {
			continue
		}
		if consumer.Pending > 0 {
			b.log.Debug("Consumer %s on %s idle for %s still owns %d entries", consumer.Name, queue, consumer.Idle, consumer.Pending)
			continue
		}

		if err := b.rdb.XGroupDelConsumer(ctx, queue, b.group, consumer.Name).Err(); err != nil {
			b.log.Error("Failed to delete consumer %s from stream %s: %v", consumer.Name, queue, err)
			continue
		}
		b.log.Info("Removed dead consumer %s from stream %s (idle for %s)", consumer.Name, queue, consumer.Idle)
		removed++
	}

	if removed > 0 {
		b.log.Info("Cleaned up %d dead consumers on %s", removed, queue)
	}
	return nil
}
