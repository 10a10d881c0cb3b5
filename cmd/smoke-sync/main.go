package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
)

// Smoke check against a running API: authenticate, push one sync batch and
// verify the returned receipt. Exits non-zero on any mismatch.
func main() {
	base := os.Getenv("ELIMU_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	token := os.Getenv("ELIMU_SMOKE_TOKEN")
	if token == "" {
		log.Fatal("ELIMU_SMOKE_TOKEN is required")
	}
	deviceID := envOr("ELIMU_SMOKE_DEVICE_ID", "demo-device")
	deviceToken := envOr("ELIMU_SMOKE_DEVICE_TOKEN", "demo-device-token")

	client := &http.Client{Timeout: 10 * time.Second}

	batch := map[string]any{
		"device_id":    deviceID,
		"device_token": deviceToken,
		"actions": []map[string]any{{
			"id":                uuid.NewString(),
			"entity_type":       "helpdesk_ticket",
			"action":            "create",
			"payload":           map[string]any{"subject": "smoke check"},
			"idempotency_key":   fmt.Sprintf("smoke-%s", uuid.NewString()),
			"client_created_at": time.Now().UTC().Format(time.RFC3339Nano),
		}},
	}

	var batchResp struct {
		Results []struct {
			Success     bool   `json:"success"`
			ReceiptCode string `json:"receipt_code"`
			Error       string `json:"error"`
		} `json:"results"`
	}
	post(client, base+"/v1/sync/batch", token, batch, &batchResp)
	if len(batchResp.Results) != 1 || !batchResp.Results[0].Success {
		log.Fatalf("batch failed: %+v", batchResp.Results)
	}
	code := batchResp.Results[0].ReceiptCode
	log.Printf("receipt issued: %s", code)

	var verifyResp struct {
		Valid bool `json:"valid"`
	}
	get(client, base+"/v1/receipts/"+code+"/verify", token, &verifyResp)
	if !verifyResp.Valid {
		log.Fatalf("receipt %s failed verification", code)
	}
	log.Printf("receipt %s verified, smoke check passed", code)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func post(client *http.Client, url, token string, body, out any) {
	raw, err := json.Marshal(body)
	if err != nil {
		log.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		log.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	doJSON(client, req, out)
}

func get(client *http.Client, url, token string, out any) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		log.Fatalf("request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	doJSON(client, req, out)
}

func doJSON(client *http.Client, req *http.Request, out any) {
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("%s %s: unexpected status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		log.Fatalf("decode %s: %v", req.URL.Path, err)
	}
}
