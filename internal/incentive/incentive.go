package incentive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client notifies the incentive engine after settlement. Calls are
// fire-and-notify: the settlement coordinator logs failures and moves on.
type Client struct {
	Endpoint string
	Client   *http.Client
}

func NewClient(endpoint string) *Client {
	return &Client{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

// Evaluate posts the trip outcome for points/reward processing.
func (c *Client) Evaluate(reservationID string, verified bool, distanceMeters float64, mode string) error {
	body := map[string]any{
		"reservation_id":  reservationID,
		"verified":        verified,
		"distance_meters": distanceMeters,
		"travel_mode":     mode,
	}
	b, _ := json.Marshal(body)
	resp, err := c.Client.Post(c.Endpoint, "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("incentive engine status %d", resp.StatusCode)
	}
	return nil
}
