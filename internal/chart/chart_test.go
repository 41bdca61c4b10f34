package chart

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/power.bench/internal/psu"
	"github.com/banshee-data/power.bench/internal/recorder"
)

type fakeSource struct {
	stored []recorder.StoredReading
	err    error
	limit  int
}

func (f *fakeSource) RecentReadings(limit int) ([]recorder.StoredReading, error) {
	f.limit = limit
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.stored) {
		return f.stored[:limit], nil
	}
	return f.stored, nil
}

func storedReading(v float64) recorder.StoredReading {
	i := v / 10
	return recorder.StoredReading{
		Reading: psu.Reading{
			Timestamp: time.Now(),
			CH1:       psu.ChannelReading{Voltage: &v, Current: &i},
			CH2:       psu.ChannelReading{Voltage: &v, Current: &i},
		},
	}
}

func TestHandlerRendersChart(t *testing.T) {
	source := &fakeSource{stored: []recorder.StoredReading{storedReading(5.0), storedReading(5.1)}}

	rec := httptest.NewRecorder()
	Handler(source)(rec, httptest.NewRequest("GET", "/chart", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "CH1 voltage")
	assert.Equal(t, defaultPoints, source.limit)
}

func TestHandlerPointsParam(t *testing.T) {
	source := &fakeSource{stored: []recorder.StoredReading{storedReading(5.0)}}

	rec := httptest.NewRecorder()
	Handler(source)(rec, httptest.NewRequest("GET", "/chart?points=50", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 50, source.limit)
}

func TestHandlerNoReadings(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler(&fakeSource{})(rec, httptest.NewRequest("GET", "/chart", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerSourceError(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler(&fakeSource{err: errors.New("db closed")})(rec, httptest.NewRequest("GET", "/chart", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
