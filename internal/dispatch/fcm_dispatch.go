package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Pusher hands an event to an out-of-band notification channel.
type Pusher interface {
	Push(ctx context.Context, to models.Identity, ev models.Event) error
}

// PushNotifier posts FCM HTTP v1 style messages addressed to a per-identity topic.
type PushNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushNotifier(endpoint, key string) *PushNotifier {
	return &PushNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushNotifier) Push(ctx context.Context, to models.Identity, ev models.Event) error {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	// FCM data values must be strings
	body := map[string]any{
		"message": map[string]any{
			"topic": string(to.Role) + "_" + to.ID,
			"data": map[string]string{
				"type":    ev.Type,
				"ride_id": ev.RideID,
				"payload": string(payload),
			},
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
	return nil
}
