package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"

	"hiwire/internal/config"
	"hiwire/internal/upstream"
)

// rtm is a RealTimeManager stand-in: one line with directions 101 and 102,
// trip T1 in service 120s early and T2 out of service.
type rtm struct {
	mu     sync.Mutex
	calls  map[string]int
	status int
}

func (f *rtm) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string `json:"method"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	f.calls[req.Method]++
	status := f.status
	f.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}
	switch req.Method {
	case "GetListOfLines":
		io.WriteString(w, `{"result":{"retLineWithDirInfos":[{"drInfos":[{"lineDirId":101},{"lineDirId":102}]}]}}`)
	case "GetTravelPoints":
		io.WriteString(w, `{"result":{"travelPoints":[
			{"TripId":"T1","VehicleStatus":1,"ESchA":120},
			{"TripId":"T2","VehicleStatus":0,"ESchA":-9999}]}}`)
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func (f *rtm) setStatus(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = code
}

func (f *rtm) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

type recordingPublisher struct {
	feeds [][]byte
	err   error
}

func (p *recordingPublisher) PublishFeed(data []byte) error {
	p.feeds = append(p.feeds, data)
	return p.err
}

type servedRecord struct {
	format   string
	code     int
	entities int
}

type recordingMetrics struct {
	served []servedRecord
}

func (m *recordingMetrics) FeedServed(format string, code, entities int) {
	m.served = append(m.served, servedRecord{format, code, entities})
}

var fixedNow = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

type fixture struct {
	rtm     *rtm
	srv     *httptest.Server
	handler *Handler
	pub     *recordingPublisher
	metrics *recordingMetrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &rtm{calls: map[string]int{}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := upstream.NewClient(5*time.Second, logger, nil)
	cache := upstream.NewCache(client, upstream.CacheOptions{})

	pub := &recordingPublisher{}
	m := &recordingMetrics{}
	h := New(cache, &config.Config{Endpoint: srv.URL}, pub, m, logger)
	h.now = func() time.Time { return fixedNow }

	return &fixture{rtm: f, srv: srv, handler: h, pub: pub, metrics: m}
}

func (fx *fixture) get(target string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	fx.handler.TripUpdates(rr, httptest.NewRequest(http.MethodGet, target, nil))
	return rr
}

func TestTripUpdates_Binary(t *testing.T) {
	fx := newFixture(t)

	rr := fx.get("/trip-updates")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "application/octet-stream", rr.Header().Get("Content-Type"))

	var msg gtfs.FeedMessage
	require.NoError(t, proto.Unmarshal(rr.Body.Bytes(), &msg))
	assert.Equal(t, "1.0", msg.GetHeader().GetGtfsRealtimeVersion())
	assert.Equal(t, uint64(fixedNow.Unix()), msg.GetHeader().GetTimestamp())

	require.Len(t, msg.GetEntity(), 1)
	e := msg.GetEntity()[0]
	assert.Equal(t, "T1", e.GetId())
	assert.Equal(t, "T1", e.GetTripUpdate().GetTrip().GetTripId())
	assert.Equal(t, int32(-120), e.GetTripUpdate().GetDelay())
}

func TestTripUpdates_Debug(t *testing.T) {
	for _, target := range []string{"/trip-updates?debug", "/trip-updates?debug=", "/trip-updates?debug=0"} {
		t.Run(target, func(t *testing.T) {
			fx := newFixture(t)

			rr := fx.get(target)
			require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
			assert.Contains(t, rr.Header().Get("Content-Type"), "text/plain")

			var msg gtfs.FeedMessage
			require.NoError(t, prototext.Unmarshal(rr.Body.Bytes(), &msg))
			require.Len(t, msg.GetEntity(), 1)
			assert.Equal(t, "T1", msg.GetEntity()[0].GetTripUpdate().GetTrip().GetTripId())
			assert.Equal(t, int32(-120), msg.GetEntity()[0].GetTripUpdate().GetDelay())
		})
	}
}

func TestTripUpdates_EndpointParam(t *testing.T) {
	fx := newFixture(t)
	other := &rtm{calls: map[string]int{}}
	otherSrv := httptest.NewServer(other)
	defer otherSrv.Close()

	rr := fx.get("/trip-updates?endpoint=" + url.QueryEscape(otherSrv.URL))
	require.Equal(t, http.StatusOK, rr.Code)

	assert.Equal(t, 1, other.count("GetListOfLines"))
	assert.Equal(t, 1, other.count("GetTravelPoints"))
	assert.Equal(t, 0, fx.rtm.count("GetListOfLines"), "default endpoint not queried")
}

func TestTripUpdates_InvalidEndpoint(t *testing.T) {
	for _, ep := range []string{"ftp://example.com/x", "/relative", "http://", "::"} {
		t.Run(ep, func(t *testing.T) {
			fx := newFixture(t)
			rr := fx.get("/trip-updates?endpoint=" + url.QueryEscape(ep))
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, 0, fx.rtm.count("GetListOfLines"))
		})
	}
}

func TestTripUpdates_Cached(t *testing.T) {
	fx := newFixture(t)

	for i := 0; i < 3; i++ {
		rr := fx.get("/trip-updates")
		require.Equal(t, http.StatusOK, rr.Code)
	}

	assert.Equal(t, 1, fx.rtm.count("GetListOfLines"))
	assert.Equal(t, 1, fx.rtm.count("GetTravelPoints"))
}

func TestTripUpdates_UpstreamError(t *testing.T) {
	fx := newFixture(t)
	fx.rtm.setStatus(http.StatusServiceUnavailable)

	rr := fx.get("/trip-updates")
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rr.Body.String(), "503")
	assert.Equal(t, 0, fx.rtm.count("GetTravelPoints"), "trip lookup skipped after line lookup fails")
	assert.Empty(t, fx.pub.feeds, "no partial feed")

	require.Len(t, fx.metrics.served, 1)
	assert.Equal(t, servedRecord{formatBinary, http.StatusBadGateway, 0}, fx.metrics.served[0])
}

func TestTripUpdates_SchemaError(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"result":{}}`)
	}))
	defer broken.Close()

	fx := newFixture(t)
	rr := fx.get("/trip-updates?endpoint=" + url.QueryEscape(broken.URL))
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Contains(t, rr.Body.String(), "retLineWithDirInfos")
}

func TestTripUpdates_PublishesBinary(t *testing.T) {
	fx := newFixture(t)

	require.Equal(t, http.StatusOK, fx.get("/trip-updates?debug").Code)
	require.Equal(t, http.StatusOK, fx.get("/trip-updates").Code)

	require.Len(t, fx.pub.feeds, 2)
	for _, data := range fx.pub.feeds {
		var msg gtfs.FeedMessage
		require.NoError(t, proto.Unmarshal(data, &msg), "published feeds are always binary")
		assert.Len(t, msg.GetEntity(), 1)
	}

	assert.Equal(t, []servedRecord{
		{formatText, http.StatusOK, 1},
		{formatBinary, http.StatusOK, 1},
	}, fx.metrics.served)
}

func TestTripUpdates_PublishErrorIgnored(t *testing.T) {
	fx := newFixture(t)
	fx.pub.err = errors.New("nats: connection closed")

	rr := fx.get("/trip-updates")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestTripUpdates_NoOptionalDeps(t *testing.T) {
	fx := newFixture(t)
	h := New(fx.handler.src, &config.Config{Endpoint: fx.srv.URL}, nil, nil, fx.handler.logger)

	rr := httptest.NewRecorder()
	h.TripUpdates(rr, httptest.NewRequest(http.MethodGet, "/trip-updates", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestValidateEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"http://realtimemap.mta.maryland.gov/RealTimeManager", false},
		{"https://example.com:8443/rtm", false},
		{"ftp://example.com", true},
		{"example.com/rtm", true},
		{"http://", true},
		{"%zz", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			err := validateEndpoint(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
