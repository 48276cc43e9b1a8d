package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/arjunkumar811/Excalidraw/internal/eventlog"
	"github.com/arjunkumar811/Excalidraw/internal/history"
)

// HTTPHistory returns a HistoryFunc that reads GET {baseURL}/chats/{roomId}.
// A nil httpClient uses a client with a 10 second timeout.
func HTTPHistory(baseURL string, httpClient *http.Client) HistoryFunc {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	base := strings.TrimRight(baseURL, "/")

	return func(ctx context.Context, roomID string) ([]eventlog.Record, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/chats/"+url.PathEscape(roomID), nil)
		if err != nil {
			return nil, fmt.Errorf("client: history request: %w", err)
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("client: history: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("client: history: unexpected status %d", resp.StatusCode)
		}

		var body history.Response
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("client: history decode: %w", err)
		}
		return body.Messages, nil
	}
}
