package application

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const AckDefaultTimeout = 30 * time.Second

type AckStatus string

const (
	AckPending AckStatus = "pending"
	AckSuccess AckStatus = "success"
	AckFailed  AckStatus = "failed"
)

const (
	AckReasonTimeout    = "timeout: no response from device"
	AckReasonSuperseded = "superseded by a newer request"
)

// AckOutcome is the terminal result of one ack-tracked publish. Exactly one
// outcome is produced per request.
type AckOutcome struct {
	Status  AckStatus `json:"status"`
	Reason  string    `json:"reason,omitempty"`
	Elapsed time.Duration
}

// AckRequest describes one ack-tracked command publish. The correlation key
// is (DeviceID, CommandTopic); the device is expected to acknowledge on
// CommandTopic + "/ack".
type AckRequest struct {
	DeviceID     string
	CommandTopic string
	Payload      []byte

	// RequestID identifies the persisted command row whose ack_status is
	// updated with the outcome. Empty disables persistence.
	RequestID string
}

type pendingAck struct {
	key       string
	deviceID  string
	requestID string
	createdAt time.Time

	timer *time.Timer
	done  chan AckOutcome
	once  sync.Once
}

type AckCorrelatorParams struct {
	Publisher *Publisher
	Commands  CommandLog
	Broadcast Broadcaster

	Timeout time.Duration

	Log zerolog.Logger
}

func (p *AckCorrelatorParams) EnsureDefaults() {
	if p.Timeout == 0 {
		p.Timeout = AckDefaultTimeout
	}
}

// AckCorrelator pairs outbound commands with device acknowledgments. Pending
// requests live in a registration table looked up by the dispatcher; there
// are no per-request transport subscriptions. Each request completes exactly
// once, through the ack, the timeout, or supersession.
type AckCorrelator struct {
	params AckCorrelatorParams

	mu      sync.Mutex
	pending map[string]*pendingAck

	log zerolog.Logger
}

func NewAckCorrelator(params AckCorrelatorParams) (*AckCorrelator, error) {
	if params.Publisher == nil {
		return nil, fmt.Errorf("Publisher is nil")
	}
	params.EnsureDefaults()

	return &AckCorrelator{
		params:  params,
		pending: make(map[string]*pendingAck),
		log:     params.Log,
	}, nil
}

// PublishAndAwaitAck publishes the command and blocks until the device
// acknowledges, the timeout fires, or the request is superseded. A prior
// pending request for the same (device, command topic) pair is completed as
// failed before the new one takes its place.
func (c *AckCorrelator) PublishAndAwaitAck(ctx context.Context, req AckRequest) AckOutcome {
	key := ackKey(req.DeviceID, req.CommandTopic)

	p := &pendingAck{
		key:       key,
		deviceID:  req.DeviceID,
		requestID: req.RequestID,
		createdAt: time.Now(),
		done:      make(chan AckOutcome, 1),
	}

	c.mu.Lock()
	if prior, ok := c.pending[key]; ok {
		c.completeLocked(prior, AckOutcome{Status: AckFailed, Reason: AckReasonSuperseded})
	}
	c.pending[key] = p
	c.mu.Unlock()

	p.timer = time.AfterFunc(c.params.Timeout, func() {
		c.complete(p, AckOutcome{Status: AckFailed, Reason: AckReasonTimeout})
	})

	pubResult := c.params.Publisher.PublishWithRetry(ctx, req.CommandTopic, req.Payload, 1)
	go func() {
		if err := <-pubResult; err != nil {
			c.complete(p, AckOutcome{Status: AckFailed, Reason: fmt.Sprintf("publish: %v", err)})
		}
	}()

	select {
	case outcome := <-p.done:
		return outcome
	case <-ctx.Done():
		c.complete(p, AckOutcome{Status: AckFailed, Reason: fmt.Sprintf("cancelled: %v", ctx.Err())})
		return <-p.done
	}
}

// Resolve delivers a device acknowledgment to the pending request for the
// (device, command topic) pair, if one exists. Late or duplicate acks find
// no entry and are dropped.
func (c *AckCorrelator) Resolve(deviceID, commandTopic string, payload []byte) {
	key := ackKey(deviceID, commandTopic)

	c.mu.Lock()
	p, ok := c.pending[key]
	c.mu.Unlock()
	if !ok {
		c.log.Debug().
			Str("device_id", deviceID).
			Str("command_topic", commandTopic).
			Msg("ack with no pending request, dropped")
		return
	}

	c.complete(p, parseAckPayload(payload))
}

// PendingCount reports the number of outstanding ack-tracked requests.
func (c *AckCorrelator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *AckCorrelator) complete(p *pendingAck, outcome AckOutcome) {
	c.mu.Lock()
	c.completeLocked(p, outcome)
	c.mu.Unlock()
}

// completeLocked finalizes a pending request at most once: stops the timer,
// removes the table entry (unless already replaced by a successor), delivers
// the outcome to the waiting caller, and fans it out to the command log and
// the device's broadcast room.
func (c *AckCorrelator) completeLocked(p *pendingAck, outcome AckOutcome) {
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		if current, ok := c.pending[p.key]; ok && current == p {
			delete(c.pending, p.key)
		}

		outcome.Elapsed = time.Since(p.createdAt)
		p.done <- outcome

		c.log.Info().
			Str("device_id", p.deviceID).
			Str("status", string(outcome.Status)).
			Str("reason", outcome.Reason).
			Dur("elapsed", outcome.Elapsed).
			Msg("ack request completed")

		go c.forward(p, outcome)
	})
}

func (c *AckCorrelator) forward(p *pendingAck, outcome AckOutcome) {
	if c.params.Commands != nil && p.requestID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.params.Commands.UpdateAckStatus(ctx, p.requestID, outcome.Status, outcome.Reason); err != nil {
			c.log.Error().Err(err).Str("request_id", p.requestID).Msg("failed to persist ack status")
		}
	}

	if c.params.Broadcast != nil {
		c.params.Broadcast.SendToDeviceRoom(p.deviceID, "command_ack", map[string]any{
			"request_id": p.requestID,
			"status":     outcome.Status,
			"reason":     outcome.Reason,
		})
	}
}

func parseAckPayload(payload []byte) AckOutcome {
	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return AckOutcome{Status: AckFailed, Reason: fmt.Sprintf("invalid ack payload: %v", err)}
	}
	if body.Status == "success" {
		return AckOutcome{Status: AckSuccess}
	}
	return AckOutcome{Status: AckFailed, Reason: fmt.Sprintf("device reported %q", body.Status)}
}

func ackKey(deviceID, commandTopic string) string {
	return deviceID + "|" + commandTopic
}
