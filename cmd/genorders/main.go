package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/oklog/ulid/v2"

	"orderfeed/internal/model"
)

func main() {
	var count int
	var users int
	var outputFile string
	flag.IntVar(&count, "count", 100, "number of orders to generate")
	flag.IntVar(&users, "users", 3, "number of distinct users")
	flag.StringVar(&outputFile, "output", "orders.events.jsonl", "output file")
	flag.Parse()

	if err := generateEvents(count, users, outputFile); err != nil {
		log.Fatalf("generation failed: %v", err)
	}
}

func generateEvents(count, users int, outputFile string) error {
	file, err := os.Create(outputFile)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer file.Close()

	items := []string{"coffee beans", "grinder", "filter pack", "mug", "kettle"}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	baseTime := time.Now().UTC().Add(-time.Duration(count) * time.Minute)

	enc := json.NewEncoder(file)
	written := 0
	for i := 0; i < count; i++ {
		ts := baseTime.Add(time.Duration(i) * time.Minute)
		user := fmt.Sprintf("user-%d", 1+rng.Intn(users))
		id := ulid.MustNew(ulid.Timestamp(ts), rng).String()

		n := 1 + rng.Intn(3)
		var lines []model.Item
		var total int64
		for j := 0; j < n; j++ {
			qty := int64(1 + rng.Intn(4))
			price := int64(500 + rng.Intn(9500)) // 5.00-99.99
			lines = append(lines, model.Item{
				ID:   ulid.MustNew(ulid.Timestamp(ts), rng).String(),
				Name: items[rng.Intn(len(items))],
				Qty:  qty,
			})
			total += qty * price
		}

		put := model.ChangeEvent{
			Op:       model.OpPut,
			UserID:   user,
			RecordID: id,
			Seq:      1,
			TS:       ts.UnixMilli(),
			Order: &model.Order{
				ID:         id,
				UserID:     user,
				TotalCents: total,
				TS:         ts.UnixMilli(),
				Items:      lines,
			},
		}
		if err := enc.Encode(&put); err != nil {
			return fmt.Errorf("encode order %d: %w", i+1, err)
		}
		written++

		// Roughly two thirds of orders get confirmed, a few get deleted.
		switch r := rng.Intn(10); {
		case r < 6:
			confirm := model.ChangeEvent{Op: model.OpConfirm, UserID: user, RecordID: id, Seq: 2, TS: ts.Add(time.Minute).UnixMilli()}
			if err := enc.Encode(&confirm); err != nil {
				return fmt.Errorf("encode confirm %d: %w", i+1, err)
			}
			written++
		case r == 9:
			del := model.ChangeEvent{Op: model.OpDelete, UserID: user, RecordID: id, Seq: 3, TS: ts.Add(2 * time.Minute).UnixMilli()}
			if err := enc.Encode(&del); err != nil {
				return fmt.Errorf("encode delete %d: %w", i+1, err)
			}
			written++
		}
	}

	log.Printf("generated %d events for %d orders to %s", written, count, outputFile)
	return nil
}
