package netpulse

// a mock collector used for local testing: accepts uploads and answers the
// health endpoint the way a real collector would.

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"io/ioutil"
	"log"
	"net/http"
	"os"
	"sync"

	"github.com/gorilla/handlers"
)

type MockCollector struct {
	Token string

	mu       sync.Mutex
	received []map[string]interface{}
}

func NewMockCollector(token string) *MockCollector {
	return &MockCollector{Token: token}
}

// ReceivedCount reports how many results the collector has accepted.
func (mc *MockCollector) ReceivedCount() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return len(mc.received)
}

// Received returns a copy of the accepted payloads.
func (mc *MockCollector) Received() []map[string]interface{} {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	out := make([]map[string]interface{}, len(mc.received))
	copy(out, mc.received)
	return out
}

func (mc *MockCollector) authorized(r *http.Request) bool {
	if mc.Token == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+mc.Token
}

func (mc *MockCollector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (mc *MockCollector) uploadHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !mc.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer zr.Close()
		body = zr
	}

	data, err := ioutil.ReadAll(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	mc.mu.Lock()
	mc.received = append(mc.received, payload)
	mc.mu.Unlock()

	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte(`{"status":"accepted"}`))
}

// Handler returns the collector's HTTP handler with request logging.
func (mc *MockCollector) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(healthPath, mc.healthHandler)
	mux.HandleFunc(uploadPath, mc.uploadHandler)
	return handlers.LoggingHandler(os.Stdout, mux)
}

// Serve blocks on a plain HTTP listener at addr.
func (mc *MockCollector) Serve(addr string) {
	log.Println("mock collector listening at", "http://"+addr)
	log.Fatal(http.ListenAndServe(addr, mc.Handler()))
}
