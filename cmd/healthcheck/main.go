// Command healthcheck probes the service's liveness endpoint; used as a
// container HEALTHCHECK. Exits non-zero on any failure.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	port := "9000"
	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		if idx := strings.LastIndex(addr, ":"); idx >= 0 {
			port = addr[idx+1:]
		}
	}
	url := "http://localhost:" + port + "/healthz"

	client := &http.Client{Timeout: 3 * time.Second}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		os.Exit(1)
	}
	resp, err := client.Do(req)
	if err != nil {
		os.Exit(1)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}
