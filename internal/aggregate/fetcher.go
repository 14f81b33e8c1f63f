package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/relay/internal/bus"
	"github.com/linnemanlabs/relay/internal/streams"
)

// DefaultFetchTimeout bounds an alert data request.
const DefaultFetchTimeout = 10 * time.Second

// TimeoutPlaceholder is the error text of a timed-out fetch.
const TimeoutPlaceholder = "Timeout waiting for data"

// Fetcher requests cached alert data from the orchestrator over
// alert_data_request / alert_data_response.<alert_id>.
type Fetcher struct {
	b       bus.Bus
	reg     *streams.Registry
	timeout time.Duration
	L       log.Logger
}

// NewFetcher returns a Fetcher. A zero timeout means DefaultFetchTimeout.
func NewFetcher(b bus.Bus, reg *streams.Registry, timeout time.Duration, logger log.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Fetcher{b: b, reg: reg, timeout: timeout, L: logger}
}

// Fetch returns the alert data for alertID. A timeout is not an error: the
// result is a placeholder carrying alert_id and an error message. Other bus
// failures are returned so the caller can retry.
func (f *Fetcher) Fetch(ctx context.Context, alertID string) (map[string]any, error) {
	reqSubj, err := f.reg.ResolvePublishSubject(streams.KeyAlertDataRequest)
	if err != nil {
		return nil, err
	}
	respSubj, err := f.reg.Subject(streams.KeyAlertDataResponse, alertID)
	if err != nil {
		return nil, err
	}
	stream, ok := f.reg.ResolveStreamForSubject(respSubj)
	if !ok {
		return nil, fmt.Errorf("no stream for %s", respSubj)
	}

	req, err := json.Marshal(map[string]string{"alert_id": alertID})
	if err != nil {
		return nil, err
	}

	data, err := bus.Request(ctx, f.b, stream, reqSubj, respSubj, req, f.timeout)
	if errors.Is(err, bus.ErrTimeout) {
		f.L.Warn(ctx, "alert data request timed out", "alert_id", alertID, "timeout", f.timeout.String())
		return Placeholder(alertID, TimeoutPlaceholder), nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch alert data %s: %w", alertID, err)
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil || out == nil {
		f.L.Warn(ctx, "alert data response not decodable", "alert_id", alertID)
		return Placeholder(alertID, "Invalid alert data response"), nil
	}
	return out, nil
}

// Placeholder is the stand-in payload for missing alert data.
func Placeholder(alertID, msg string) map[string]any {
	return map[string]any{"alert_id": alertID, "error": msg}
}
