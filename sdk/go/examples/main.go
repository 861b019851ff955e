package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"os"
	"time"

	"NUMA-Market/sdk/go/numa"
)

// 演示通过 SDK 注册智能体并同步、异步各购买一次。
func main() {
	baseURL := os.Getenv("NUMA_URL")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	client, err := numa.NewClient(baseURL, nil)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if id := os.Getenv("NUMA_CLIENT_ID"); id != "" {
		if _, err := client.Authenticate(ctx, id, os.Getenv("NUMA_CLIENT_SECRET")); err != nil {
			log.Fatalf("authenticate: %v", err)
		}
	}

	agent, err := client.RegisterAgent(ctx, numa.NewAgent{
		ID:             fmt.Sprintf("demo-%d", time.Now().Unix()),
		Strategy:       "balanced",
		InitialBalance: big.NewInt(5_000_000),
	})
	if err != nil {
		log.Fatalf("register agent: %v", err)
	}
	fmt.Printf("registered %s with balance %s\n", agent.ID, agent.Balance)

	result, err := client.Purchase(ctx, numa.Purchase{
		AgentID:  agent.ID,
		Category: "weather",
		Payload:  json.RawMessage(`{"city":"Lisbon"}`),
	})
	if err != nil && result == nil {
		log.Fatalf("purchase: %v", err)
	}
	fmt.Printf("bought %s/%s for %s, success=%v, balance=%s\n",
		result.ProviderID, result.APIID, result.Price, result.Success, result.Balance)

	job, err := client.SubmitJob(ctx, numa.Purchase{AgentID: agent.ID, Category: "weather"})
	if err != nil {
		log.Fatalf("submit job: %v", err)
	}
	job, err = client.WaitForJob(ctx, job.ID, time.Second)
	if err != nil {
		log.Fatalf("wait job: %v", err)
	}
	fmt.Printf("job %s finished as %s after %d attempt(s)\n", job.ID, job.Status, job.Attempts)
}
