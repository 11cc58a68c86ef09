package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/INLOpen/relayhub/core"
	"github.com/gorilla/websocket"
)

// verifyAccess calls /verify-access and returns the server's message.
func verifyAccess(ctx context.Context, base, txHash string) error {
	endpoint := base + "/verify-access?" + url.Values{"tx_hash": {txHash}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var body struct {
		Message string `json:"message"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("verification failed (%d): %s", resp.StatusCode, body.Message)
	}
	log.Println(body.Message)
	return nil
}

func main() {
	serverAddr := flag.String("addr", "localhost:8000", "The relay hub subscription address")
	txHash := flag.String("tx", "", "Transaction hash proving payment; verified before subscribing")
	sensorID := flag.String("sensor", "", "Only show this sensor. Supports suffix wildcard (e.g., 'SHT20-*')")
	location := flag.String("location", "", "Only show this location. Supports suffix wildcard")
	stage := flag.String("stage", "", "Only show this process stage. Supports suffix wildcard")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if *txHash != "" {
		if err := verifyAccess(ctx, "http://"+*serverAddr, *txHash); err != nil {
			log.Fatalf("Could not verify access: %v", err)
		}
	}

	query := url.Values{}
	for key, value := range map[string]string{"tx_hash": *txHash, "sensor_id": *sensorID, "location": *location, "stage": *stage} {
		if value != "" {
			query.Set(key, value)
		}
	}
	wsURL := url.URL{Scheme: "ws", Host: *serverAddr, Path: "/ws", RawQuery: query.Encode()}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		if resp != nil {
			log.Fatalf("Could not subscribe: %v (HTTP %d)", err, resp.StatusCode)
		}
		log.Fatalf("Could not subscribe: %v", err)
	}
	defer conn.Close()

	go func() {
		<-sigChan
		log.Println("\nInterrupt signal received, shutting down subscriber...")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()

	log.Printf("Subscribed to %s. Press Ctrl+C to exit.", wsURL.String())
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if core.IsTransportClosed(err) {
				log.Println("Subscription closed.")
				return
			}
			log.Printf("Error receiving reading: %v", err)
			return
		}

		var r core.Reading
		if err := json.Unmarshal(msg, &r); err != nil {
			log.Printf("Skipping undecodable message: %v", err)
			continue
		}
		fmt.Printf("[%s] %s @ %s (%s): %.2f °C, %.2f %%RH\n",
			r.Timestamp.Format(time.RFC3339),
			r.SensorID,
			r.Location,
			r.ProcessStage,
			r.Temperature,
			r.Humidity,
		)
	}
}
