// Package main starts an asynchronous optimisation and prints its progress
// stream.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	// random demo instance around a depot
	rng := rand.New(rand.NewSource(7))
	depot := map[string]float64{"lat": 40.7128, "lng": -74.0060}
	deliveries := []map[string]any{}
	for i := 0; i < 60; i++ {
		deliveries = append(deliveries, map[string]any{
			"id":       fmt.Sprintf("d%02d", i),
			"location": map[string]float64{"lat": depot["lat"] + (rng.Float64()-0.5)*0.2, "lng": depot["lng"] + (rng.Float64()-0.5)*0.2},
			"weight":   1 + rng.Intn(5),
		})
	}
	body, _ := json.Marshal(map[string]any{
		"depot":      depot,
		"vehicles":   []map[string]any{{"id": "van-1", "capacity": 60}, {"id": "van-2", "capacity": 60}, {"id": "van-3", "capacity": 60}},
		"deliveries": deliveries,
		"strategy":   "hybrid",
		"async":      true,
	})
	resp, err := http.Post(base+"/v1/optimize", "application/json", bytes.NewReader(body))
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusAccepted {
		log.Fatalf("optimize: unexpected status %s", resp.Status)
	}
	var accepted struct {
		RunID     string `json:"runId"`
		StreamURL string `json:"streamUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		log.Fatal(err)
	}
	log.Printf("Run ID: %s", accepted.RunID)

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: accepted.StreamURL}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	for {
		var m wsMessage
		if err := c.ReadJSON(&m); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Printf("stream closed")
				return
			}
			log.Printf("read: %v", err)
			return
		}
		log.Printf("WS <- %s: %s", m.Type, string(m.Payload))
	}
}
