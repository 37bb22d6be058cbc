package support

import (
	"context"
	"errors"
	"fmt"

	"github.com/MeKo-Tech/tally/internal/ballot"
	"github.com/MeKo-Tech/tally/internal/broker"
	"github.com/alicebob/miniredis/v2"
	"github.com/cucumber/godog"
)

const keyPrefix = "tally-it"

// RegisterBrokerSteps registers steps around the shared Redis instance.
func (testCtx *TestContext) RegisterBrokerSteps(sc *godog.ScenarioContext) {
	sc.Step(`^a running Redis$`, testCtx.aRunningRedis)
	sc.Step(`^the queue "([^"]*)" should hold (\d+) messages?$`, testCtx.theQueueShouldHold)
	sc.Step(`^(\d+) failed messages? dead-lettered from "([^"]*)"$`, testCtx.deadLetteredMessages)
}

// aRunningRedis starts miniredis and points every later tally process at
// it for both the broker and the result store.
func (testCtx *TestContext) aRunningRedis() error {
	mr, err := miniredis.Run()
	if err != nil {
		return fmt.Errorf("start redis: %w", err)
	}
	testCtx.Redis = mr
	testCtx.AddEnvVar("TALLY_BROKER_DRIVER", "redis")
	testCtx.AddEnvVar("TALLY_BROKER_REDIS_ADDR", mr.Addr())
	testCtx.AddEnvVar("TALLY_BROKER_REDIS_KEY_PREFIX", keyPrefix)
	testCtx.AddEnvVar("TALLY_RESULTS_STORE", "redis")
	return nil
}

func (testCtx *TestContext) openBroker(ctx context.Context) (*broker.RedisBroker, error) {
	if testCtx.Redis == nil {
		return nil, errors.New("no Redis running in this scenario")
	}
	return broker.NewRedis(ctx, broker.RedisConfig{Addr: testCtx.Redis.Addr(), KeyPrefix: keyPrefix})
}

func (testCtx *TestContext) theQueueShouldHold(queue string, n int) error {
	ctx := context.Background()
	b, err := testCtx.openBroker(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()
	got, err := b.Len(ctx, queue)
	if err != nil {
		return err
	}
	if got != int64(n) {
		return fmt.Errorf("queue %s holds %d messages, expected %d", queue, got, n)
	}
	return nil
}

func (testCtx *TestContext) deadLetteredMessages(n int, queue string) error {
	ctx := context.Background()
	b, err := testCtx.openBroker(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()
	for i := range n {
		req := ballot.FallbackRequest{BallotID: fmt.Sprintf("DLQ-%d", i+1)}
		if err := b.Publish(ctx, broker.DLQ(queue), req); err != nil {
			return err
		}
	}
	return nil
}
