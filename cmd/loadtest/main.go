// Command loadtest drives a running server with concurrent searches while
// writers keep enqueueing document batches, then waits for the queue to drain
// and reports how long the last update took to apply.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type Config struct {
	BaseURL   string
	Index     string
	APIKey    string
	Readers   int
	Writers   int
	BatchSize int
	Duration  time.Duration
	Queries   []string
}

var words = []string{
	"update", "queue", "snapshot", "index", "search", "engine", "document",
	"registry", "storage", "processor", "settings", "ranking", "stop", "words",
}

func main() {
	cfg := Config{}
	flag.StringVar(&cfg.BaseURL, "url", "http://localhost:7700", "base URL of the server")
	flag.StringVar(&cfg.Index, "index", "loadtest", "index receiving the documents")
	flag.StringVar(&cfg.APIKey, "key", os.Getenv("SC_MASTER_KEY"), "master key")
	flag.IntVar(&cfg.Readers, "readers", 10, "number of concurrent search workers")
	flag.IntVar(&cfg.Writers, "writers", 2, "number of concurrent document writers")
	flag.IntVar(&cfg.BatchSize, "batch", 100, "documents per enqueued batch")
	flag.DurationVar(&cfg.Duration, "duration", 30*time.Second, "test duration")
	flag.Parse()
	cfg.Queries = []string{"update queue", "snapshot", "search engine", "stop words", "registry storage", ""}

	fmt.Println("=== searchcore load test ===")
	fmt.Printf("Target:   %s (index %s)\n", cfg.BaseURL, cfg.Index)
	fmt.Printf("Workers:  %d readers, %d writers x %d documents\n", cfg.Readers, cfg.Writers, cfg.BatchSize)
	fmt.Printf("Duration: %s\n\n", cfg.Duration)

	lt := newLoadTest(cfg)
	lt.run()
	lt.search.Report(os.Stdout, cfg.Duration)
	lt.enqueue.Report(os.Stdout, cfg.Duration)
	lt.drain()

	if lt.search.totalRequests.Load()+lt.enqueue.totalRequests.Load() == 0 {
		fmt.Println("WARNING: No requests completed. Is the server running?")
		os.Exit(1)
	}
}

type loadTest struct {
	cfg     Config
	client  *http.Client
	search  *Stats
	enqueue *Stats
	lastSeq atomic.Int64
	nextID  atomic.Int64
}

func newLoadTest(cfg Config) *loadTest {
	lt := &loadTest{
		cfg: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        (cfg.Readers + cfg.Writers) * 2,
				MaxIdleConnsPerHost: (cfg.Readers + cfg.Writers) * 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		search:  NewStats("Search"),
		enqueue: NewStats("Enqueue"),
	}
	lt.lastSeq.Store(-1)
	return lt
}

func (lt *loadTest) run() {
	ctx, cancel := context.WithTimeout(context.Background(), lt.cfg.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for w := range lt.cfg.Readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := w; ctx.Err() == nil; i++ {
				lt.searchOnce(ctx, lt.cfg.Queries[i%len(lt.cfg.Queries)])
			}
		}()
	}
	for range lt.cfg.Writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				lt.enqueueOnce(ctx)
			}
		}()
	}
	wg.Wait()
}

func (lt *loadTest) searchOnce(ctx context.Context, query string) {
	u := fmt.Sprintf("%s/indexes/%s/search?q=%s&limit=10", lt.cfg.BaseURL, url.PathEscape(lt.cfg.Index), url.QueryEscape(query))
	start := time.Now()
	resp, err := lt.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		if ctx.Err() == nil {
			lt.search.RecordRequest(time.Since(start), 0, err)
		}
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	lt.search.RecordRequest(time.Since(start), resp.StatusCode, nil)
}

func (lt *loadTest) enqueueOnce(ctx context.Context) {
	docs := make([]map[string]any, lt.cfg.BatchSize)
	for i := range docs {
		id := lt.nextID.Add(1)
		docs[i] = map[string]any{"id": id, "title": sentence(3), "body": sentence(30)}
	}
	body, _ := json.Marshal(docs)

	u := fmt.Sprintf("%s/indexes/%s/documents", lt.cfg.BaseURL, url.PathEscape(lt.cfg.Index))
	start := time.Now()
	resp, err := lt.do(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		if ctx.Err() == nil {
			lt.enqueue.RecordRequest(time.Since(start), 0, err)
		}
		return
	}
	defer resp.Body.Close()
	lt.enqueue.RecordRequest(time.Since(start), resp.StatusCode, nil)

	var op struct {
		UpdateID int64 `json:"updateId"`
	}
	if resp.StatusCode == http.StatusAccepted && json.NewDecoder(resp.Body).Decode(&op) == nil {
		for {
			last := lt.lastSeq.Load()
			if op.UpdateID <= last || lt.lastSeq.CompareAndSwap(last, op.UpdateID) {
				break
			}
		}
	}
}

// drain waits for the last enqueued update and reports the backlog delay.
func (lt *loadTest) drain() {
	seq := lt.lastSeq.Load()
	if seq < 0 {
		return
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	for ctx.Err() == nil {
		resp, err := lt.do(ctx, http.MethodGet, fmt.Sprintf("%s/updates/%d", lt.cfg.BaseURL, seq), nil)
		if err == nil {
			var op struct {
				Status string `json:"status"`
			}
			json.NewDecoder(resp.Body).Decode(&op)
			resp.Body.Close()
			switch op.Status {
			case "processed", "failed", "aborted":
				fmt.Printf("=== Queue ===\nLast update %d %s, %s after the load stopped\n", seq, op.Status, time.Since(start).Round(time.Millisecond))
				return
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	fmt.Printf("=== Queue ===\nLast update %d still pending after %s\n", seq, time.Since(start).Round(time.Second))
}

func (lt *loadTest) do(ctx context.Context, method, rawURL string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if lt.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+lt.cfg.APIKey)
	}
	return lt.client.Do(req)
}

func sentence(n int) string {
	var b bytes.Buffer
	for i := range n {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(words[rand.Intn(len(words))])
	}
	return b.String()
}
