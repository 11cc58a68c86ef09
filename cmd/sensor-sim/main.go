package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/INLOpen/relayhub/core"
)

// sensor produces a slowly drifting temperature/humidity series.
type sensor struct {
	reading core.Reading
	rng     *rand.Rand
}

func newSensor(id int, locations, stages []string) *sensor {
	return &sensor{
		reading: core.Reading{
			SensorID:     fmt.Sprintf("SHT20-Sim-%03d", id),
			Location:     locations[id%len(locations)],
			ProcessStage: stages[id%len(stages)],
			Temperature:  25,
			Humidity:     75,
		},
		rng: rand.New(rand.NewSource(int64(id))),
	}
}

func (s *sensor) next() core.Reading {
	s.reading.Timestamp = time.Now().UTC()
	s.reading.Temperature += (s.rng.Float64() - 0.5) * 0.4
	s.reading.Humidity += (s.rng.Float64() - 0.5) * 1.0
	return s.reading
}

func main() {
	addr := flag.String("addr", "localhost:9000", "The relay hub ingest address")
	numSensors := flag.Int("sensors", 10, "Number of simulated sensors, one connection each")
	interval := flag.Duration("interval", time.Second, "Delay between readings from a single sensor")
	count := flag.Int("count", 0, "Readings per sensor; 0 runs until interrupted")
	malformedEvery := flag.Int("malformed-every", 0, "Send a malformed line after every N readings; 0 disables")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("\nInterrupt signal received, stopping sensors...")
		cancel()
	}()

	locations := []string{"Gudang Fermentasi 1", "Gudang Fermentasi 2", "Ruang Pengeringan"}
	stages := []string{"Fermentasi", "Pengeringan", "Penyimpanan"}

	var wg sync.WaitGroup
	var totalSent, totalErrors int64
	latencies := make([]time.Duration, 0, 1024)
	var latenciesMu sync.Mutex

	log.Printf("Starting %d simulated sensors against %s...", *numSensors, *addr)
	start := time.Now()

	for i := 0; i < *numSensors; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", *addr)
			if err != nil {
				log.Printf("sensor %d: dial failed: %v", id, err)
				atomic.AddInt64(&totalErrors, 1)
				return
			}
			defer conn.Close()

			s := newSensor(id, locations, stages)
			w := bufio.NewWriter(conn)
			ticker := time.NewTicker(*interval)
			defer ticker.Stop()

			for n := 0; *count == 0 || n < *count; n++ {
				line, _ := json.Marshal(s.next())
				if *malformedEvery > 0 && n > 0 && n%*malformedEvery == 0 {
					line = []byte(`{"sensor_id":` + fmt.Sprintf("%q", s.reading.SensorID) + `}`)
				}

				reqStart := time.Now()
				_, err := w.Write(append(line, '\n'))
				if err == nil {
					err = w.Flush()
				}
				if err != nil {
					log.Printf("sensor %d: write failed: %v", id, err)
					atomic.AddInt64(&totalErrors, 1)
					return
				}
				latenciesMu.Lock()
				latencies = append(latencies, time.Since(reqStart))
				latenciesMu.Unlock()
				atomic.AddInt64(&totalSent, 1)

				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}(i)
	}

	wg.Wait()
	duration := time.Since(start)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})
	var p50, p90, p99 time.Duration
	if len(latencies) > 0 {
		p50 = latencies[int(float64(len(latencies))*0.50)]
		p90 = latencies[int(float64(len(latencies))*0.90)]
		p99 = latencies[int(float64(len(latencies))*0.99)]
	}

	fmt.Println("\n--- Simulation Results ---")
	fmt.Printf("Total Lines Sent:  %d\n", totalSent)
	fmt.Printf("Errors:            %d\n", totalErrors)
	fmt.Printf("Total Time Taken:  %.2f seconds\n", duration.Seconds())
	fmt.Printf("Send Throughput:   %.2f lines/sec\n", float64(totalSent)/duration.Seconds())
	fmt.Println("\n--- Write Latency ---")
	fmt.Printf("P50 (Median): %v\n", p50)
	fmt.Printf("P90:          %v\n", p90)
	fmt.Printf("P99:          %v\n", p99)
}
