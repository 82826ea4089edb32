package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	retry "github.com/avast/retry-go/v5"
)

// ErrExtensionNotConnected reports that no extension with at least one
// attached page showed up before the deadline.
var ErrExtensionNotConnected = errors.New("extension not connected")

// WaitOptions configures WaitForExtension.
type WaitOptions struct {
	// PollInterval between /extension-status probes. Default 500ms.
	PollInterval time.Duration
	// Timeout bounds the whole wait. Default 30s.
	Timeout time.Duration
}

func (o *WaitOptions) withDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
}

// WaitForExtension blocks until the relay on the port reports a
// connected extension holding at least one page attachment.
func WaitForExtension(ctx context.Context, port int, opts WaitOptions) error {
	opts.withDefaults()

	attempts := uint(opts.Timeout / opts.PollInterval)
	if attempts < 1 {
		attempts = 1
	}
	err := retry.New(
		retry.Attempts(attempts),
		retry.Delay(opts.PollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		return probeExtension(ctx, port)
	})
	if err != nil {
		return fmt.Errorf("%w on port %d after %s: %v", ErrExtensionNotConnected, port, opts.Timeout, err)
	}
	return nil
}

func probeExtension(ctx context.Context, port int) error {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/extension-status", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from /extension-status", resp.StatusCode)
	}

	var status struct {
		Connected bool `json:"connected"`
		PageCount int  `json:"pageCount"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("decode /extension-status: %w", err)
	}
	if !status.Connected {
		return errors.New("no extension connection")
	}
	if status.PageCount == 0 {
		return errors.New("extension connected but holds no pages")
	}
	return nil
}
