// Feeds synthetic new_case_found events into the conductor inbox to
// exercise admission, GPU contention and park/wake under load.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/caseflowd/caseflow/internal/broker"
)

var (
	brokerURL    string
	inboxQueue   string
	concurrency  int
	casesPerFeed int
	caseIDPrefix string
)

func init() {
	flag.StringVar(&brokerURL, "broker", "redis://localhost:6379/0", "Broker URL")
	flag.StringVar(&inboxQueue, "inbox", "conductor_queue", "Conductor inbox queue")
	flag.IntVar(&concurrency, "c", 10, "Number of concurrent feeders")
	flag.IntVar(&casesPerFeed, "n", 10, "Cases per feeder")
	flag.StringVar(&caseIDPrefix, "prefix", "load", "Case id prefix")
}

var (
	successCount int64
	failCount    int64
)

func main() {
	flag.Parse()

	total := concurrency * casesPerFeed
	fmt.Printf("Starting load test: %d feeders, %d cases each (%d total)\n",
		concurrency, casesPerFeed, total)
	fmt.Printf("Target: %s queue %s\n", brokerURL, inboxQueue)

	ctx := context.Background()
	queue, err := broker.Connect(ctx, brokerURL)
	if err != nil {
		log.Fatalf("failed to connect to broker: %v", err)
	}
	defer queue.Close()

	start := time.Now()
	var wg sync.WaitGroup

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			feeder(ctx, queue, id)
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Printf("\nDone in %s\n", elapsed)
	fmt.Printf("Published: %d  Failed: %d  Rate: %.1f/s\n",
		successCount, failCount, float64(successCount)/elapsed.Seconds())
}

func feeder(ctx context.Context, queue broker.Queue, id int) {
	for n := 0; n < casesPerFeed; n++ {
		caseID := fmt.Sprintf("%s-%d-%d-%s", caseIDPrefix, id, n, uuid.NewString()[:8])
		env, err := broker.NewEnvelope("new_case_found",
			map[string]string{"case_id": caseID}, uuid.NewString())
		if err != nil {
			atomic.AddInt64(&failCount, 1)
			continue
		}
		if err := queue.Publish(ctx, inboxQueue, env); err != nil {
			atomic.AddInt64(&failCount, 1)
			log.Printf("feeder %d: publish failed: %v", id, err)
			continue
		}
		atomic.AddInt64(&successCount, 1)
	}
}
