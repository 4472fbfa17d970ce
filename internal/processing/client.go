package processing

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

// PatientInfo is the demographic slice the processing service needs to
// normalize gait metrics.
type PatientInfo struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	Age      int       `json:"age"`
	HeightCm int       `json:"height_cm"`
	WeightKg int       `json:"weight_kg"`
	Gender   string    `json:"gender"`
}

// DispatchRequest describes one finished recording window for analysis.
type DispatchRequest struct {
	SessionID int64       `json:"session_id"`
	DeviceID  int64       `json:"device_id"`
	StartTime time.Time   `json:"start_time"`
	EndTime   time.Time   `json:"end_time"`
	Patient   PatientInfo `json:"patient"`
}

// Dispatcher sends a session to the external processing collaborator.
type Dispatcher interface {
	Process(ctx context.Context, req DispatchRequest) error
}

// Client talks HTTP to the processing service. Results do not come back on
// this call; the service reports them later through the ingestion callback.
type Client struct {
	http *resty.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
	}
}

func (c *Client) Process(ctx context.Context, req DispatchRequest) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		Post("/process")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("processing service returned %s", resp.Status())
	}
	return nil
}
