package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"orderfeed/internal/changelog"
	"orderfeed/internal/feed"
	"orderfeed/internal/gateway"
	"orderfeed/internal/httpapi"
	"orderfeed/internal/manifest"
	"orderfeed/internal/metrics"
	"orderfeed/internal/model"
	"orderfeed/internal/restore"
	"orderfeed/internal/snapshot"
	"orderfeed/internal/state"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// Config holds CLI flags for the feed daemon.
type Config struct {
	HTTPAddr         string
	StateBackend     string // memory|pebble|badger
	PebbleDir        string
	BadgerDir        string
	SnapshotDir      string
	SnapshotInterval int
	ChangelogOn      bool
	RestoreOnStart   bool
	// Kafka
	KafkaBootstrap  string
	GroupID         string
	InputSource     string // sample|kafka
	TopicEvents     string
	ChangelogSink   string // file|kafka|both
	ChangelogSource string // file|kafka
	ManifestSink    string // file|kafka|both
	ManifestSource  string // file|kafka
	TopicChangelog  string
	TopicSnapshots  string
}

func main() {
	cfg := readFlags()
	if err := run(cfg); err != nil {
		log.Fatalf("feedd failed: %v", err)
	}
}

func readFlags() Config {
	var cfg Config
	flag.StringVar(&cfg.HTTPAddr, "http", ":8080", "http listen address")
	flag.StringVar(&cfg.StateBackend, "state-backend", "memory", "state backend: memory|pebble|badger")
	flag.StringVar(&cfg.PebbleDir, "pebble-dir", "./data/pebble", "pebble data directory")
	flag.StringVar(&cfg.BadgerDir, "badger-dir", "./data/badger", "badger data directory")
	flag.StringVar(&cfg.SnapshotDir, "snapshot-dir", "./snapshots", "snapshot directory")
	flag.IntVar(&cfg.SnapshotInterval, "snapshot-interval", 60, "snapshot interval seconds (0 disables)")
	flag.BoolVar(&cfg.ChangelogOn, "changelog", true, "enable changelog emission")
	flag.BoolVar(&cfg.RestoreOnStart, "restore", false, "restore state from snapshot+changelog on start")
	flag.StringVar(&cfg.KafkaBootstrap, "kafka-bootstrap", "", "kafka bootstrap servers, e.g. localhost:9092")
	flag.StringVar(&cfg.GroupID, "group-id", "feedd", "consumer group id")
	flag.StringVar(&cfg.InputSource, "input-source", "sample", "order events source: sample|kafka")
	flag.StringVar(&cfg.TopicEvents, "topic-events", "orders.events", "kafka topic for order change events")
	flag.StringVar(&cfg.ChangelogSink, "changelog-sink", "file", "changelog sink: file|kafka|both")
	flag.StringVar(&cfg.ChangelogSource, "changelog-source", "file", "changelog source for restore: file|kafka")
	flag.StringVar(&cfg.ManifestSink, "manifest-sink", "file", "manifest sink: file|kafka|both")
	flag.StringVar(&cfg.ManifestSource, "manifest-source", "file", "manifest source for restore: file|kafka")
	flag.StringVar(&cfg.TopicChangelog, "topic-changelog", "orders.feed-changelog", "kafka topic for changelog (compacted)")
	flag.StringVar(&cfg.TopicSnapshots, "topic-snapshots", "orders.feed-snapshots", "kafka topic for manifest (compacted)")
	flag.Parse()
	return cfg
}

func run(cfg Config) error {
	log.Printf("starting feedd backend=%s snapshot-interval=%ds changelog=%v", cfg.StateBackend, cfg.SnapshotInterval, cfg.ChangelogOn)

	// Init state store
	var st state.Store
	switch cfg.StateBackend {
	case "pebble":
		ps, err := state.NewPebbleStore(cfg.PebbleDir)
		if err != nil {
			return fmt.Errorf("init pebble: %w", err)
		}
		defer ps.Close()
		st = ps
	case "badger":
		bs, err := state.NewBadgerStore(cfg.BadgerDir)
		if err != nil {
			return fmt.Errorf("init badger: %w", err)
		}
		defer bs.Close()
		st = bs
	default:
		st = state.NewInMemoryStore()
	}

	// Snapshotter and manifest sinks
	snap := snapshot.NewFilesystemSnapshotter(cfg.SnapshotDir)
	maniFS := manifest.NewFilesystemManifest(cfg.SnapshotDir)
	var mani manifest.Publisher = maniFS
	var maniReader manifest.Reader = restore.NewFilesystemReader(cfg.SnapshotDir)
	if (cfg.ManifestSink == "kafka" || cfg.ManifestSink == "both") && cfg.KafkaBootstrap != "" {
		maniK := manifest.NewKafkaManifest(cfg.KafkaBootstrap, cfg.TopicSnapshots, "feed-manifest-latest")
		if cfg.ManifestSink == "kafka" {
			mani = maniK
		} else {
			mani = manifest.MultiPublisher(maniFS, maniK)
		}
	}
	if cfg.ManifestSource == "kafka" && cfg.KafkaBootstrap != "" {
		maniReader = restore.NewKafkaReader([]string{cfg.KafkaBootstrap}, cfg.TopicSnapshots, "feed-manifest-latest")
	}

	// Changelog writer
	var clog changelog.Writer
	if cfg.ChangelogOn {
		if cfg.ChangelogSink == "file" || cfg.ChangelogSink == "both" || cfg.ChangelogSink == "" {
			fw, err := changelog.NewFileWriter("./changelog", "orders.jsonl")
			if err != nil {
				return fmt.Errorf("init changelog file: %w", err)
			}
			clog = fw
		}
		if (cfg.ChangelogSink == "kafka" || cfg.ChangelogSink == "both") && cfg.KafkaBootstrap != "" {
			kw := changelog.NewKafkaWriter(cfg.KafkaBootstrap, cfg.TopicChangelog)
			if clog == nil {
				clog = kw
			} else {
				clog = changelog.NewMultiWriter(clog, kw)
			}
		}
	}

	mreg := metrics.NewRegistry()

	// Restore before serving so subscribers see recovered state.
	var clogOffset int64
	if cfg.RestoreOnStart {
		t0 := time.Now()
		restorer := restore.NewRestorer(st, snap, maniReader, cfg.SnapshotDir)
		var result restore.RestoreResult
		var err error
		if cfg.ChangelogSource == "kafka" && cfg.KafkaBootstrap != "" {
			m, e := maniReader.ReadLatest()
			if e != nil {
				err = e
			} else if e := restorer.RestoreFromSnapshot(m.SnapshotID); e != nil {
				err = e
			} else {
				result = restorer.ReplayChangelogKafka([]string{cfg.KafkaBootstrap}, cfg.TopicChangelog, m.LastChangelogOffset)
				err = result.Error
			}
		} else {
			result, err = restorer.RestoreAndReplay()
		}
		if err != nil {
			log.Printf("restore skipped: %v", err)
		} else {
			clogOffset = result.LastAppliedOffset + 1
			mreg.ReplayApplied.Add(float64(result.Applied))
			mreg.ReplaySkipped.Add(float64(result.Skipped))
			mreg.TTRSec.Set(time.Since(t0).Seconds())
			log.Printf("restore completed: applied=%d skipped=%d ttr=%.3fs", result.Applied, result.Skipped, time.Since(t0).Seconds())
		}
	}

	// Without a restore pass the offset must still continue from whatever
	// a previous run already appended to the file changelog.
	if clogOffset == 0 && cfg.ChangelogOn && cfg.ChangelogSink != "kafka" {
		clogOffset = changelogLineCount(restore.DefaultChangelogPath)
	}

	// Count every appended record, whatever its origin, so the manifest
	// offset covers gateway deletes too.
	if clog != nil {
		clog = &countingWriter{w: clog, next: &clogOffset}
	}

	f := feed.New(st, mreg)
	gw := gateway.New(f, clog, mreg)

	// Ingest path: store apply + emission + changelog, shared by all sources.
	ingest := func(ev model.ChangeEvent) error {
		applied, err := f.Apply(ev)
		if err != nil {
			return err
		}
		if applied && clog != nil {
			if err := clog.Append(ev); err != nil {
				return fmt.Errorf("append changelog: %w", err)
			}
			mreg.ChangelogAppended.Inc()
		}
		return nil
	}

	// HTTP: view API, websocket sessions, health, metrics.
	api := httpapi.New(st, f, gw, mreg)
	mux := api.Routes()
	mux.Handle("/metrics", mreg.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	})
	go func() {
		if err := http.ListenAndServe(cfg.HTTPAddr, mux); err != nil {
			log.Fatalf("http: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	if cfg.InputSource == "kafka" && cfg.KafkaBootstrap != "" {
		c, err := ck.NewConsumer(&ck.ConfigMap{
			"bootstrap.servers":  cfg.KafkaBootstrap,
			"group.id":           cfg.GroupID,
			"enable.auto.commit": true,
			"auto.offset.reset":  "earliest",
		})
		if err != nil {
			return fmt.Errorf("consumer: %w", err)
		}
		defer c.Close()
		if err := c.SubscribeTopics([]string{cfg.TopicEvents}, nil); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		go func() {
			for {
				msg, err := c.ReadMessage(time.Second)
				if err != nil {
					continue // timeout or transient error
				}
				var ev model.ChangeEvent
				if err := json.Unmarshal(msg.Value, &ev); err != nil {
					log.Printf("bad event at %v: %v", msg.TopicPartition, err)
					continue
				}
				if err := ingest(ev); err != nil {
					log.Printf("ingest %s: %v", ev.Key(), err)
				}
			}
		}()
	} else if cfg.InputSource == "sample" {
		for _, ev := range sampleEvents() {
			if err := ingest(ev); err != nil {
				return fmt.Errorf("ingest sample: %w", err)
			}
		}
		log.Printf("applied %d sample events", len(sampleEvents()))
	} else if path := cfg.InputSource; path != "" {
		// Anything else is treated as a JSONL file of change events.
		res := restore.NewRestorer(st, nil, nil, "").ReplayChangelog(path, 0)
		if res.Error != nil {
			return fmt.Errorf("load %s: %w", path, res.Error)
		}
		log.Printf("loaded %s: applied=%d skipped=%d", path, res.Applied, res.Skipped)
	}

	// Periodic snapshot + manifest publish.
	if cfg.SnapshotInterval > 0 {
		ticker := time.NewTicker(time.Duration(cfg.SnapshotInterval) * time.Second)
		defer ticker.Stop()
		go func() {
			for range ticker.C {
				id := time.Now().UTC().Format(time.RFC3339)
				if err := snap.WriteSnapshot(id, st); err != nil {
					log.Printf("write snapshot: %v", err)
					continue
				}
				off := atomic.LoadInt64(&clogOffset)
				if err := mani.PublishLatest(id, off); err != nil {
					log.Printf("publish manifest: %v", err)
					continue
				}
				log.Printf("snapshot and manifest published: %s offset=%d", id, off)
			}
		}()
	}

	<-stop
	log.Printf("shutting down")
	return nil
}

// changelogLineCount returns how many records an existing file changelog
// already holds, 0 when the file is absent.
func changelogLineCount(path string) int64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	var n int64
	for sc.Scan() {
		n++
	}
	return n
}

// countingWriter tracks the next changelog offset across all appenders.
type countingWriter struct {
	w    changelog.Writer
	next *int64
}

func (c *countingWriter) Append(ev model.ChangeEvent) error {
	if err := c.w.Append(ev); err != nil {
		return err
	}
	atomic.AddInt64(c.next, 1)
	return nil
}

func sampleEvents() []model.ChangeEvent {
	base := time.Now().UTC().Add(-24 * time.Hour).UnixMilli()
	orders := []struct {
		id    string
		cents int64
	}{
		{"ord-001", 1999}, {"ord-002", 14550}, {"ord-003", 799},
		{"ord-004", 6000}, {"ord-005", 32500}, {"ord-006", 1250}, {"ord-007", 8900},
	}
	evs := make([]model.ChangeEvent, 0, len(orders)+2)
	for i, o := range orders {
		ts := base + int64(i)*3_600_000
		evs = append(evs, model.ChangeEvent{
			Op: model.OpPut, UserID: "demo", RecordID: o.id, Seq: 1, TS: ts,
			Order: &model.Order{
				ID: o.id, UserID: "demo", TotalCents: o.cents, TS: ts,
				Items: []model.Item{{ID: "itm-1", Name: "item", Qty: 1}},
			},
		})
	}
	// Confirm a couple so both pending and confirmed orders show up.
	evs = append(evs,
		model.ChangeEvent{Op: model.OpConfirm, UserID: "demo", RecordID: "ord-001", Seq: 2, TS: base + 10},
		model.ChangeEvent{Op: model.OpConfirm, UserID: "demo", RecordID: "ord-004", Seq: 2, TS: base + 20},
	)
	return evs
}
