package rpc

import (
	"errors"
	"strings"
)

const (
	MethodTripUpdates = "trip_updates"
	MethodPush        = "push_realtime"

	headerStatus = "Rpc-Status"
	headerError  = "Rpc-Error"
	statusOK     = "ok"
	statusError  = "error"
)

// ErrRemote wraps an error reported by the authority node itself.
var ErrRemote = errors.New("authority node error")

// Subject is where a node answers one method.
func Subject(nodeID, method string) string {
	return "authority." + subjectToken(nodeID) + "." + method
}

type TripUpdatesRequest struct {
	ChateauID string   `json:"chateau_id"`
	TripIDs   []string `json:"trip_ids"`
}

// PushRequest submits one upstream realtime payload. Each slot carries a
// GTFS-RT FeedMessage; a single combined upstream feed is sent in both the
// vehicle and trip slots so either decoder on the node can consume it.
type PushRequest struct {
	ChateauID            string `json:"chateau_id"`
	FeedID               string `json:"feed_id"`
	VehiclePositions     []byte `json:"vehicles,omitempty"`
	TripUpdates          []byte `json:"trips,omitempty"`
	Alerts               []byte `json:"alerts,omitempty"`
	HasVehicles          bool   `json:"has_vehicles"`
	HasTrips             bool   `json:"has_trips"`
	HasAlerts            bool   `json:"has_alerts"`
	VehiclesResponseCode *int   `json:"vehicles_response_code,omitempty"`
	TripsResponseCode    *int   `json:"trips_response_code,omitempty"`
	AlertsResponseCode   *int   `json:"alerts_response_code,omitempty"`
	TimeOfSubmissionMs   uint64 `json:"time_of_submission_ms"`
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
