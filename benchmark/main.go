// Package main provides a benchmark tool for the reliable queue to measure
// push/pop/ack throughput against a running Redis.
//
// Usage:
//
//	go run benchmark/main.go -items 100000
package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/trailofbits/buttercup-sub003/pkg/messages"
	"github.com/trailofbits/buttercup-sub003/pkg/queue"
)

func main() {
	numItems := flag.Int("items", 100000, "Number of items to push")
	numWorkers := flag.Int("workers", 10, "Number of concurrent pushers")
	redisAddr := flag.String("redis", "localhost:6379", "Redis address")
	flag.Parse()

	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
	ctx := context.Background()

	q, err := queue.New[messages.BuildRequest](ctx, rdb, "benchmark_queue", "benchmark_group", queue.Options{})
	if err != nil {
		panic(err)
	}

	fmt.Printf("ReliableQueue Benchmark\n")
	fmt.Printf("=======================\n")
	fmt.Printf("Items to push: %d\n", *numItems)
	fmt.Printf("Concurrent pushers: %d\n\n", *numWorkers)

	fmt.Printf("Starting push phase...\n")
	startPush := time.Now()

	var wg sync.WaitGroup
	var pushed atomic.Int64
	itemsPerWorker := *numItems / *numWorkers

	for i := 0; i < *numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < itemsPerWorker; j++ {
				req := messages.BuildRequest{
					TaskID:    uuid.NewString(),
					Engine:    "libfuzzer",
					Sanitizer: "address",
					BuildType: messages.BuildTypeFuzzer,
				}
				if err := q.Push(ctx, req); err != nil {
					fmt.Printf("push failed: %v\n", err)
					return
				}
				pushed.Add(1)
			}
		}()
	}
	wg.Wait()

	pushElapsed := time.Since(startPush)
	fmt.Printf("Pushed %d items in %v (%.0f items/sec)\n\n",
		pushed.Load(), pushElapsed, float64(pushed.Load())/pushElapsed.Seconds())

	fmt.Printf("Starting pop/ack phase...\n")
	startPop := time.Now()

	var popped int64
	for {
		item, err := q.Pop(ctx)
		if err != nil {
			fmt.Printf("pop failed: %v\n", err)
			return
		}
		if item == nil {
			break
		}
		if err := q.Ack(ctx, item.ItemID); err != nil {
			fmt.Printf("ack failed: %v\n", err)
			return
		}
		popped++
	}

	popElapsed := time.Since(startPop)
	fmt.Printf("Popped and acked %d items in %v (%.0f items/sec)\n",
		popped, popElapsed, float64(popped)/popElapsed.Seconds())
}
