package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"time"
)

// Drives a running granary-api instance through the full bind flow:
// admin init, owner, pool, consumer, async bind job, entitlement check.

func main() {
	base := os.Getenv("GRANARY_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}

	client := &http.Client{Timeout: 5 * time.Second}
	suffix := rand.New(rand.NewSource(time.Now().UnixNano())).Int63()

	ownerKey := fmt.Sprintf("smoke-%d", suffix)
	productID := fmt.Sprintf("prod-%d", suffix)

	post(client, base+"/v1/admin/init", nil, http.StatusOK)

	post(client, base+"/v1/owners", map[string]any{
		"key":          ownerKey,
		"display_name": "Smoke Test Org",
	}, http.StatusCreated)

	post(client, base+"/v1/owners/"+ownerKey+"/pools", map[string]any{
		"product_id":  productID,
		"max_members": 2,
	}, http.StatusCreated)

	var consumer struct {
		UUID string `json:"uuid"`
	}
	body := post(client, base+"/v1/consumers", map[string]any{
		"owner_key": ownerKey,
		"name":      "smoke-host",
		"type":      "system",
	}, http.StatusCreated)
	mustDecode(body, &consumer)

	var job struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	body = post(client, base+"/v1/jobs", map[string]any{
		"consumer_uuid": consumer.UUID,
		"product_ids":   []string{productID},
		"from_pools":    []string{},
	}, http.StatusAccepted)
	mustDecode(body, &job)

	deadline := time.Now().Add(10 * time.Second)
	for {
		body = get(client, base+"/v1/jobs/"+job.ID)
		mustDecode(body, &job)
		if job.State == "SUCCEEDED" {
			break
		}
		if job.State == "FAILED_RETRYABLE" || job.State == "FAILED_FATAL" {
			log.Fatalf("bind job %s ended in state %s", job.ID, job.State)
		}
		if time.Now().After(deadline) {
			log.Fatalf("bind job %s did not finish, last state %s", job.ID, job.State)
		}
		time.Sleep(100 * time.Millisecond)
	}

	var ents struct {
		Items []struct {
			ProductID string `json:"product_id"`
		} `json:"items"`
	}
	body = get(client, base+"/v1/consumers/"+consumer.UUID+"/entitlements")
	mustDecode(body, &ents)
	if len(ents.Items) != 1 || ents.Items[0].ProductID != productID {
		log.Fatalf("unexpected entitlements for %s: %+v", consumer.UUID, ents.Items)
	}

	fmt.Printf("✅ granary-api smoke test passed: owner=%s consumer=%s job=%s\n", ownerKey, consumer.UUID, job.ID)
}

func post(client *http.Client, url string, payload any, want int) []byte {
	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			log.Fatalf("encode request for %s: %v", url, err)
		}
	}
	resp, err := client.Post(url, "application/json", &buf)
	if err != nil {
		log.Fatalf("POST %s: %v", url, err)
	}
	return readBody(resp, url, want)
}

func get(client *http.Client, url string) []byte {
	resp, err := client.Get(url)
	if err != nil {
		log.Fatalf("GET %s: %v", url, err)
	}
	return readBody(resp, url, http.StatusOK)
}

func readBody(resp *http.Response, url string, want int) []byte {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("read response from %s: %v", url, err)
	}
	if resp.StatusCode != want {
		log.Fatalf("%s returned %d, want %d: %s", url, resp.StatusCode, want, data)
	}
	return data
}

func mustDecode(data []byte, v any) {
	if err := json.Unmarshal(data, v); err != nil {
		log.Fatalf("decode response: %v (%s)", err, data)
	}
}
