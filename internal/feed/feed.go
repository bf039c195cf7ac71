// Package feed exports retained trip status as a GTFS-Realtime vehicle
// positions feed.
package feed

import (
	"log/slog"
	"net/http"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"tripcast/internal/route"
	"tripcast/internal/trip"
)

// Build returns a full-dataset feed with one VehiclePosition per trip that
// has a known position. Idle trips are left out.
func Build(trips []trip.Trip, catalog *route.Catalog, now time.Time) *gtfsrt.FeedMessage {
	msg := &gtfsrt.FeedMessage{
		Header: &gtfsrt.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Incrementality:      gtfsrt.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(uint64(now.Unix())),
		},
	}
	for _, t := range trips {
		if t.CurrentPosition == nil || t.Status == trip.StatusIdle {
			continue
		}
		msg.Entity = append(msg.Entity, entity(t, catalog))
	}
	return msg
}

func entity(t trip.Trip, catalog *route.Catalog) *gtfsrt.FeedEntity {
	desc := &gtfsrt.TripDescriptor{TripId: proto.String(t.TripID)}
	vp := &gtfsrt.VehiclePosition{
		Trip: desc,
		Position: &gtfsrt.Position{
			Latitude:  proto.Float32(float32(t.CurrentPosition.Lat)),
			Longitude: proto.Float32(float32(t.CurrentPosition.Lng)),
		},
		Vehicle:   &gtfsrt.VehicleDescriptor{Id: proto.String(t.TripID)},
		Timestamp: proto.Uint64(uint64(t.LastUpdateTime.Unix())),
	}

	switch t.Status {
	case trip.StatusPaused, trip.StatusCompleted:
		vp.CurrentStatus = gtfsrt.VehiclePosition_STOPPED_AT.Enum()
	default:
		vp.CurrentStatus = gtfsrt.VehiclePosition_IN_TRANSIT_TO.Enum()
	}

	if catalog != nil {
		if _, r, ok := catalog.RouteForTrip(t.TripID); ok {
			desc.RouteId = proto.String(r.ID)
			// in transit means heading to the stop after the current one
			idx := t.CurrentStopIndex
			if t.Status == trip.StatusRunning && idx+1 < len(r.Stops) {
				idx++
			}
			if idx >= 0 && idx < len(r.Stops) {
				vp.CurrentStopSequence = proto.Uint32(uint32(r.Stops[idx].Order))
				vp.StopId = proto.String(r.Stops[idx].ID)
			}
		}
	}
	if vp.CurrentStopSequence == nil {
		vp.CurrentStopSequence = proto.Uint32(uint32(t.CurrentStopIndex))
	}
	return &gtfsrt.FeedEntity{Id: proto.String(t.TripID), Vehicle: vp}
}

// Handler serves the feed as protobuf, or as JSON with ?format=json.
func Handler(list func() []trip.Trip, catalog *route.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg := Build(list(), catalog, time.Now())
		if r.URL.Query().Get("format") == "json" {
			b, err := protojson.Marshal(msg)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(b)
			return
		}
		b, err := proto.Marshal(msg)
		if err != nil {
			slog.Error("encode gtfs-rt feed", "err", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/x-protobuf")
		_, _ = w.Write(b)
	}
}
