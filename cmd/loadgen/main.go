// Load generator for conveyor.
// Copyright (c) 2025 warehouse-ops
// Licensed under the Apache License 2.0

// Usage:
//
//	go run cmd/loadgen/main.go -brokers localhost:9092 -rate 200 -duration 60s
//
// Publishes synthetic inventory, order, and shipment events to the warehouse
// topics. A configurable fraction of inventory events are quantity spikes so
// the statistical detector has something to find.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/warehouse-ops/conveyor/internal/domain"
)

var (
	brokers    = flag.String("brokers", "localhost:9092", "comma-separated Kafka brokers")
	rate       = flag.Int("rate", 100, "events per second")
	duration   = flag.Duration("duration", 30*time.Second, "how long to publish")
	items      = flag.Int("items", 20, "distinct item SKUs")
	anomalyPct = flag.Float64("anomaly-pct", 0.02, "fraction of inventory events that are quantity spikes")
	seed       = flag.Int64("seed", 0, "random seed (0 uses current time)")
)

var zones = []string{"A", "B", "C", "D"}

var inventoryActions = []string{
	domain.ActionStockIn,
	domain.ActionStockOut,
	domain.ActionAdjustment,
	domain.ActionTransfer,
}

var orderActions = []string{"created", "updated", "fulfilled", "cancelled"}

var shipmentActions = []string{"dispatched", "in_transit", "delivered", "delayed"}

func main() {
	flag.Parse()

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(*seed))

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_6_0_0
	cfg.ClientID = "conveyor-loadgen"
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal

	producer, err := sarama.NewSyncProducer(strings.Split(*brokers, ","), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to %s: %v\n", *brokers, err)
		os.Exit(1)
	}
	defer producer.Close()

	fmt.Printf("publishing at %d events/s for %s (seed %d)\n", *rate, *duration, *seed)

	interval := time.Second / time.Duration(*rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.After(*duration)

	var sent, failed, anomalies int
	start := time.Now()

loop:
	for {
		select {
		case <-deadline:
			break loop
		case <-ticker.C:
			topic, key, payload, spike := nextEvent(rng)
			if spike {
				anomalies++
			}
			_, _, err := producer.SendMessage(&sarama.ProducerMessage{
				Topic: topic,
				Key:   sarama.StringEncoder(key),
				Value: sarama.ByteEncoder(payload),
			})
			if err != nil {
				failed++
				fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
				continue
			}
			sent++
		}
	}

	elapsed := time.Since(start)
	fmt.Println()
	fmt.Println("=== Load Generation Summary ===")
	fmt.Printf("  Sent:      %d\n", sent)
	fmt.Printf("  Failed:    %d\n", failed)
	fmt.Printf("  Spikes:    %d\n", anomalies)
	fmt.Printf("  Elapsed:   %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  Rate:      %.1f events/s\n", float64(sent)/elapsed.Seconds())
}

// nextEvent produces one synthetic event. Inventory dominates the mix the
// way it does on a real warehouse floor.
func nextEvent(rng *rand.Rand) (topic, key string, payload []byte, spike bool) {
	itemID := fmt.Sprintf("SKU-%03d", rng.Intn(*items))
	now := time.Now().UTC().Format(time.RFC3339)

	switch n := rng.Float64(); {
	case n < 0.7:
		qty := float64(1 + rng.Intn(50))
		if rng.Float64() < *anomalyPct {
			qty = float64(2000 + rng.Intn(3000))
			spike = true
		}
		ev := map[string]any{
			"item_id":        itemID,
			"action":         inventoryActions[rng.Intn(len(inventoryActions))],
			"quantity":       qty,
			"unit_price":     5 + rng.Float64()*95,
			"warehouse_zone": zones[rng.Intn(len(zones))],
			"location_id":    fmt.Sprintf("LOC-%02d", rng.Intn(10)),
			"timestamp":      now,
			"source":         "loadgen",
		}
		payload, _ = json.Marshal(ev)
		return domain.TopicInventory, itemID, payload, spike

	case n < 0.88:
		ev := map[string]any{
			"order_id":  uuid.New().String(),
			"action":    orderActions[rng.Intn(len(orderActions))],
			"item_id":   itemID,
			"quantity":  float64(1 + rng.Intn(10)),
			"timestamp": now,
			"source":    "loadgen",
		}
		payload, _ = json.Marshal(ev)
		return domain.TopicOrders, itemID, payload, false

	default:
		ev := map[string]any{
			"shipment_id": uuid.New().String(),
			"action":      shipmentActions[rng.Intn(len(shipmentActions))],
			"item_id":     itemID,
			"zone":        zones[rng.Intn(len(zones))],
			"timestamp":   now,
			"source":      "loadgen",
		}
		payload, _ = json.Marshal(ev)
		return domain.TopicShipments, itemID, payload, false
	}
}
