package api

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"transit-departures/internal/departures"
	"transit-departures/internal/logger"
)

// Departures resolves nearby departures.
type Departures interface {
	Nearby(ctx context.Context, dir departures.Directory, q departures.Query) (*departures.Response, error)
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

type RequestMetrics interface {
	Request(d time.Duration, stops int, err error)
}

// ErrorResponse is the JSON error response structure
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// Handler serves the departures API.
type Handler struct {
	svc     Departures
	dir     departures.Directory
	db      Pinger
	metrics RequestMetrics
	log     logger.Logger
}

func NewHandler(svc Departures, dir departures.Directory, db Pinger, m RequestMetrics, log logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{svc: svc, dir: dir, db: db, metrics: m, log: log}
}

// Router wires the handler into a chi router with CORS and request ids.
func (h *Handler) Router(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{requestIDHeader},
	}))
	r.Use(requestID)

	r.Get("/health", h.Health)
	r.Get("/nearbydeparturesfromcoords", h.NearbyDepartures)
	return r
}

const requestIDHeader = "X-Request-Id"

type ctxKey struct{}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// NearbyDepartures handles GET /nearbydeparturesfromcoords?lat=&lon=&departure_time=
// departure_time is in unix seconds and defaults to now.
func (h *Handler) NearbyDepartures(w http.ResponseWriter, r *http.Request) {
	id := requestIDFrom(r.Context())
	q, err := parseQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), RequestID: id})
		return
	}

	start := time.Now()
	resp, err := h.svc.Nearby(r.Context(), h.dir, q)
	stops := 0
	if resp != nil {
		stops = resp.StopsSearched
	}
	if h.metrics != nil {
		h.metrics.Request(time.Since(start), stops, err)
	}
	if err != nil {
		h.log.Error("nearby departures failed", "request_id", id, "lat", q.Lat, "lon", q.Lon, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "could not resolve departures", RequestID: id})
		return
	}

	h.log.Debug("nearby departures",
		"request_id", id, "stops", resp.StopsSearched, "routes", len(resp.Departures), "took_ms", time.Since(start).Milliseconds())
	writeJSON(w, http.StatusOK, resp)
}

type badQuery string

func (e badQuery) Error() string { return string(e) }

func parseQuery(r *http.Request) (departures.Query, error) {
	v := r.URL.Query()
	lat, err := strconv.ParseFloat(v.Get("lat"), 64)
	if err != nil || math.IsNaN(lat) || lat < -90 || lat > 90 {
		return departures.Query{}, badQuery("lat must be a number between -90 and 90")
	}
	lon, err := strconv.ParseFloat(v.Get("lon"), 64)
	if err != nil || math.IsNaN(lon) || lon < -180 || lon > 180 {
		return departures.Query{}, badQuery("lon must be a number between -180 and 180")
	}
	q := departures.Query{Lat: lat, Lon: lon}
	if s := v.Get("departure_time"); s != "" {
		secs, err := strconv.ParseUint(s, 10, 63)
		if err != nil {
			return departures.Query{}, badQuery("departure_time must be unix seconds")
		}
		q.At = time.Unix(int64(secs), 0).UTC()
	}
	return q, nil
}

// Health handles GET /health with a database connectivity check.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status":    "error",
				"database":  "disconnected",
				"timestamp": time.Now().UTC(),
				"error":     err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"database":  "connected",
		"timestamp": time.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
