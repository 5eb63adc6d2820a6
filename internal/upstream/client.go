package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"hiwire/internal/logging"
)

const (
	methodListOfLines  = "GetListOfLines"
	methodTravelPoints = "GetTravelPoints"
	apiVersion         = "1.1"

	callingApp           = "RMD"
	travelPointsInterval = 10

	// vehicleInService is the VehicleStatus of a vehicle running a trip.
	vehicleInService = 1
	// delayUnknown is the ESchA value RealTimeManager uses when it has no estimate.
	delayUnknown = -9999

	maxResponseBytes = 32 << 20
)

// RequestObserver receives the outcome of every upstream call.
type RequestObserver interface {
	ObserveUpstream(method string, d time.Duration, err error)
}

// Client is an HTTP client for the RealTimeManager JSON API.
type Client struct {
	client   *http.Client
	logger   *slog.Logger
	observer RequestObserver
}

// NewClient creates a RealTimeManager client. observer may be nil.
func NewClient(timeout time.Duration, logger *slog.Logger, observer RequestObserver) *Client {
	return &Client{
		client: &http.Client{
			Timeout: timeout,
		},
		logger:   logger,
		observer: observer,
	}
}

// LineDirIDs lists every direction of every line known to endpoint.
func (c *Client) LineDirIDs(ctx context.Context, endpoint string) ([]ID, error) {
	var resp linesResponse
	if err := c.call(ctx, endpoint, rpcRequest{Method: methodListOfLines, Version: apiVersion}, &resp); err != nil {
		return nil, err
	}

	ids, err := flattenLineDirIDs(&resp)
	if err != nil {
		return nil, err
	}

	logging.FromContext(ctx, c.logger).Info("fetched lines", "count", len(ids), "endpoint", endpoint)
	return ids, nil
}

// ActiveTrips fetches travel points for the given line directions and keeps
// the in-service vehicles that have a delay estimate.
func (c *Client) ActiveTrips(ctx context.Context, endpoint string, ids []ID) ([]ActiveTrip, error) {
	reqs := make([]travelPointsReq, 0, len(ids))
	for _, id := range ids {
		reqs = append(reqs, travelPointsReq{LineDirID: id, CallingApp: callingApp})
	}
	req := rpcRequest{
		Method: methodTravelPoints,
		Params: travelPointsParams{
			TravelPointsReqs: reqs,
			Interval:         travelPointsInterval,
		},
		Version: apiVersion,
	}

	var resp travelPointsResponse
	if err := c.call(ctx, endpoint, req, &resp); err != nil {
		return nil, err
	}

	trips, err := activeTrips(&resp)
	if err != nil {
		return nil, err
	}

	logging.FromContext(ctx, c.logger).Info("fetched active trips", "count", len(trips), "endpoint", endpoint)
	return trips, nil
}

func flattenLineDirIDs(resp *linesResponse) ([]ID, error) {
	if resp.Result == nil {
		return nil, &SchemaError{Method: methodListOfLines, Field: "result"}
	}
	if resp.Result.RetLineWithDirInfos == nil {
		return nil, &SchemaError{Method: methodListOfLines, Field: "result.retLineWithDirInfos"}
	}

	var ids []ID
	for i, line := range *resp.Result.RetLineWithDirInfos {
		if line.DrInfos == nil {
			return nil, &SchemaError{Method: methodListOfLines, Field: fmt.Sprintf("result.retLineWithDirInfos[%d].drInfos", i)}
		}
		for j, dir := range *line.DrInfos {
			if dir.LineDirID == nil {
				return nil, &SchemaError{Method: methodListOfLines, Field: fmt.Sprintf("result.retLineWithDirInfos[%d].drInfos[%d].lineDirId", i, j)}
			}
			ids = append(ids, *dir.LineDirID)
		}
	}
	return ids, nil
}

func activeTrips(resp *travelPointsResponse) ([]ActiveTrip, error) {
	if resp.Result == nil {
		return nil, &SchemaError{Method: methodTravelPoints, Field: "result"}
	}
	if resp.Result.TravelPoints == nil {
		return nil, &SchemaError{Method: methodTravelPoints, Field: "result.travelPoints"}
	}

	var trips []ActiveTrip
	for i, p := range *resp.Result.TravelPoints {
		field := func(name string) string {
			return "result.travelPoints[" + strconv.Itoa(i) + "]." + name
		}

		if p.VehicleStatus == nil {
			return nil, &SchemaError{Method: methodTravelPoints, Field: field("VehicleStatus")}
		}
		status, err := integral(*p.VehicleStatus)
		if err != nil {
			return nil, &SchemaError{Method: methodTravelPoints, Field: field("VehicleStatus"), Err: err}
		}
		if status != vehicleInService {
			continue
		}
		if p.ESchA == nil {
			return nil, &SchemaError{Method: methodTravelPoints, Field: field("ESchA")}
		}
		escha, err := integral(*p.ESchA)
		if err != nil {
			return nil, &SchemaError{Method: methodTravelPoints, Field: field("ESchA"), Err: err}
		}
		if escha == delayUnknown {
			continue
		}
		if p.TripID == nil || p.TripID.String() == "" {
			return nil, &SchemaError{Method: methodTravelPoints, Field: field("TripId")}
		}

		// ESchA is positive when running early; GTFS-realtime
		// delay is positive when late.
		delay := -escha
		if delay < math.MinInt32 || delay > math.MaxInt32 {
			return nil, &SchemaError{Method: methodTravelPoints, Field: field("ESchA"),
				Err: fmt.Errorf("%d out of range", escha)}
		}

		trips = append(trips, ActiveTrip{TripID: p.TripID.String(), Delay: int32(delay)})
	}
	return trips, nil
}

// call POSTs req to endpoint and decodes the JSON response into out.
func (c *Client) call(ctx context.Context, endpoint string, req rpcRequest, out any) (err error) {
	start := time.Now()
	defer func() {
		if c.observer != nil {
			c.observer.ObserveUpstream(req.Method, time.Since(start), err)
		}
	}()

	resp, err := c.doPost(ctx, endpoint, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", req.Method, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &SchemaError{Method: req.Method, Err: err}
	}
	return nil
}

func (c *Client) doPost(ctx context.Context, endpoint string, req rpcRequest) (*http.Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", req.Method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Method, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, &HTTPError{Method: req.Method, StatusCode: resp.StatusCode}
	}
	return resp, nil
}
