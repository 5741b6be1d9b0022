package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/micro-manager/NDStorage/bufpool"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("GET /metrics: status %d", rec.Code)
	}
	body, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestWriterObserver_FeedsCounters(t *testing.T) {
	pool := bufpool.New(bufpool.Config{DirectThreshold: 1024, RecycleMinSize: 1024, PoolSizePerCapacity: 2}, false)
	c := NewCollector()
	o := c.WriterObserver(pool)

	// One miss, one recycle, one hit — sampled on the next ImageWritten.
	buf := pool.GetLarge(4096)
	pool.TryRecycle(buf)
	pool.GetLarge(4096)

	o.QueueDepth(3)
	o.ImageWritten(512)
	o.FileRolled()

	body := scrape(t, c)
	for _, want := range []string{
		"ndtiff_images_written_total 1",
		"ndtiff_bytes_written_total 512",
		"ndtiff_file_rollovers_total 1",
		"ndtiff_write_queue_depth 3",
		"ndtiff_buffer_pool_hits_total 1",
		"ndtiff_buffer_pool_misses_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition is missing %q\n%s", want, body)
		}
	}
}

func TestWriterObserver_NilPool(t *testing.T) {
	c := NewCollector()
	o := c.WriterObserver(nil)
	o.ImageWritten(128) // must not panic without a pool to sample

	body := scrape(t, c)
	if !strings.Contains(body, "ndtiff_images_written_total 1") {
		t.Errorf("images_written not incremented:\n%s", body)
	}
}
