package node

import (
	"encoding/json"
	"fmt"
	"time"
)

// ReconnectConf controls the node client's capped exponential backoff when
// the connection to the relay drops.
type ReconnectConf struct {
	InitialBackoff time.Duration `json:"-"`
	MaxBackoff     time.Duration `json:"-"`
	Multiplier     float64       `json:"multiplier,omitempty"`
	MaxNumAttempts int           `json:"max_num_attempts,omitempty"` // 0 = unlimited
}

// reconnectConfJSON mirrors ReconnectConf but represents the two durations
// as parseable strings (e.g. "1s", "30s") for a friendlier config file.
type reconnectConfJSON struct {
	InitialBackoff string  `json:"initial_backoff,omitempty"`
	MaxBackoff     string  `json:"max_backoff,omitempty"`
	Multiplier     float64 `json:"multiplier,omitempty"`
	MaxNumAttempts int     `json:"max_num_attempts,omitempty"`
}

func (r ReconnectConf) MarshalJSON() ([]byte, error) {
	return json.Marshal(reconnectConfJSON{
		InitialBackoff: r.InitialBackoff.String(),
		MaxBackoff:     r.MaxBackoff.String(),
		Multiplier:     r.Multiplier,
		MaxNumAttempts: r.MaxNumAttempts,
	})
}

func (r *ReconnectConf) UnmarshalJSON(data []byte) error {
	var raw reconnectConfJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if raw.InitialBackoff != "" {
		d, err := time.ParseDuration(raw.InitialBackoff)
		if err != nil {
			return fmt.Errorf("reconnect.initial_backoff: %w", err)
		}
		r.InitialBackoff = d
	}
	if raw.MaxBackoff != "" {
		d, err := time.ParseDuration(raw.MaxBackoff)
		if err != nil {
			return fmt.Errorf("reconnect.max_backoff: %w", err)
		}
		r.MaxBackoff = d
	}
	r.Multiplier = raw.Multiplier
	r.MaxNumAttempts = raw.MaxNumAttempts
	return nil
}

// DefaultReconnectConf returns the node client's default reconnect policy:
// start at 1s, double each attempt, cap at 30s, retry forever.
func DefaultReconnectConf() ReconnectConf {
	return ReconnectConf{
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		MaxNumAttempts: 0,
	}
}

// NextBackoff returns the delay to wait before reconnect attempt number
// attempt (1-indexed), capped at MaxBackoff.
func (r ReconnectConf) NextBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(r.InitialBackoff)
	mult := r.Multiplier
	if mult <= 1.0 {
		mult = 2.0
	}
	for i := 1; i < attempt; i++ {
		backoff *= mult
		if backoff >= float64(r.MaxBackoff) {
			backoff = float64(r.MaxBackoff)
			break
		}
	}
	d := time.Duration(backoff)
	if d > r.MaxBackoff {
		d = r.MaxBackoff
	}
	if d <= 0 {
		d = time.Second
	}
	return d
}

// Done reports whether attempt has exceeded the configured retry budget.
func (r ReconnectConf) Done(attempt int) bool {
	return r.MaxNumAttempts > 0 && attempt > r.MaxNumAttempts
}
