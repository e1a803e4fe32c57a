package main

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPercentile(t *testing.T) {
	sorted := make([]time.Duration, 100)
	for i := range sorted {
		sorted[i] = time.Duration(i+1) * time.Millisecond
	}
	assert.Equal(t, 50*time.Millisecond, percentile(sorted, 50))
	assert.Equal(t, 99*time.Millisecond, percentile(sorted, 99))
	assert.Equal(t, time.Millisecond, percentile(sorted, 0))
	assert.Equal(t, time.Duration(0), percentile(nil, 50))
}

func TestStatsReport(t *testing.T) {
	s := NewStats("Search")
	s.RecordRequest(2*time.Millisecond, 200, nil)
	s.RecordRequest(4*time.Millisecond, 200, nil)
	s.RecordRequest(time.Millisecond, 503, nil)
	s.RecordRequest(0, 0, errors.New("connection refused"))

	var buf bytes.Buffer
	s.Report(&buf, time.Second)
	out := buf.String()
	assert.Contains(t, out, "Total Requests:  4")
	assert.Contains(t, out, "Successful:      2")
	assert.Contains(t, out, "Errors:          2")
	assert.Contains(t, out, "  503: 1")
}
