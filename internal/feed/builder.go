// Package feed assembles GTFS-realtime trip-update feeds.
package feed

import (
	"fmt"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"

	"hiwire/internal/upstream"
)

// Version is the gtfs_realtime_version written to every feed header.
const Version = "1.0"

// Content types returned by Marshal.
const (
	ContentTypeBinary = "application/octet-stream"
	ContentTypeText   = "text/plain; charset=utf-8"
)

// UninitializedError means a built feed is missing required fields. Build
// never produces one from valid trips, so it indicates a bug.
type UninitializedError struct {
	Err error
}

func (e *UninitializedError) Error() string {
	return fmt.Sprintf("feed not initialized: %v", e.Err)
}

func (e *UninitializedError) Unwrap() error { return e.Err }

// Build creates a FeedMessage with one trip-update entity per trip, in order.
func Build(trips []upstream.ActiveTrip, now time.Time) (*gtfs.FeedMessage, error) {
	msg := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: proto.String(Version),
			Timestamp:           proto.Uint64(uint64(now.Unix())),
		},
		Entity: make([]*gtfs.FeedEntity, 0, len(trips)),
	}

	for i, trip := range trips {
		if trip.TripID == "" {
			return nil, &UninitializedError{Err: fmt.Errorf("entity %d: empty trip id", i)}
		}
		msg.Entity = append(msg.Entity, &gtfs.FeedEntity{
			Id: proto.String(trip.TripID),
			TripUpdate: &gtfs.TripUpdate{
				Trip: &gtfs.TripDescriptor{
					TripId: proto.String(trip.TripID),
				},
				Delay: proto.Int32(trip.Delay),
			},
		})
	}

	if err := Check(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Check reports whether every required field of msg is set.
func Check(msg *gtfs.FeedMessage) error {
	if err := proto.CheckInitialized(msg); err != nil {
		return &UninitializedError{Err: err}
	}
	return nil
}

// Marshal encodes msg as protobuf wire bytes, or as multi-line text format
// when debug is set.
func Marshal(msg *gtfs.FeedMessage, debug bool) ([]byte, string, error) {
	if debug {
		data, err := prototext.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(msg)
		if err != nil {
			return nil, "", fmt.Errorf("marshal feed text: %w", err)
		}
		return data, ContentTypeText, nil
	}

	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, "", fmt.Errorf("marshal feed: %w", err)
	}
	return data, ContentTypeBinary, nil
}
