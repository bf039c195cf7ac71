package trip

import "time"

type ArrivalStatus string

const (
	ArrivalPending  ArrivalStatus = "pending"
	ArrivalArrived  ArrivalStatus = "arrived"
	ArrivalDeparted ArrivalStatus = "departed"
)

// ETAEntry is the estimate for one stop of a trip.
type ETAEntry struct {
	StopOrder            int           `json:"stopOrder"`
	StopID               string        `json:"stopId"`
	EstimatedArrivalTime time.Time     `json:"estimatedArrivalTime"`
	DistanceRemaining    *float64      `json:"distanceRemaining,omitempty"` // meters
	ArrivalStatus        ArrivalStatus `json:"arrivalStatus"`
}
