// Package notify delivers operator notifications for deployment and
// trust events over Slack and signed webhooks.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fabrikhq/decision-core/pkg/config"
	"github.com/fabrikhq/decision-core/pkg/logger"
	"github.com/fabrikhq/decision-core/pkg/models"
)

// Notifier sends notifications for deployment and trust events.
type Notifier struct {
	cfg    config.NotificationConfig
	log    *logger.Logger
	client *http.Client
}

// New creates a new Notifier.
func New(cfg config.NotificationConfig, log *logger.Logger) *Notifier {
	return &Notifier{
		cfg: cfg,
		log: log.WithComponent("notify"),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// EventType represents the type of notification event.
type EventType string

const (
	EventCanaryStarted         EventType = "canary_started"
	EventCanaryWarning         EventType = "canary_warning"
	EventDeploymentPromoted    EventType = "deployment_promoted"
	EventDeploymentRolledBack  EventType = "deployment_rolled_back"
	EventTrustLevelPromoted    EventType = "trust_level_promoted"
	EventTrustLevelDemoted     EventType = "trust_level_demoted"
	EventReprocessBatchStarted EventType = "reprocess_batch_started"
)

// Event represents a notification event.
type Event struct {
	Type         EventType      `json:"type"`
	TenantID     string         `json:"tenant_id,omitempty"`
	RulesetID    string         `json:"ruleset_id,omitempty"`
	RulesetName  string         `json:"ruleset_name,omitempty"`
	DeploymentID string         `json:"deployment_id,omitempty"`
	Version      int            `json:"version,omitempty"`
	State        string         `json:"state,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	TriggeredBy  string         `json:"triggered_by,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Notify sends a notification for an event on every enabled channel.
func (n *Notifier) Notify(ctx context.Context, event Event) error {
	event.Timestamp = time.Now()

	var errs []string

	if n.cfg.SlackEnabled {
		if err := n.sendSlack(ctx, event); err != nil {
			n.log.Error("failed to send Slack notification", "error", err)
			errs = append(errs, fmt.Sprintf("slack: %v", err))
		}
	}

	if n.cfg.WebhookEnabled {
		if err := n.sendWebhook(ctx, event); err != nil {
			n.log.Error("failed to send webhook notification", "error", err)
			errs = append(errs, fmt.Sprintf("webhook: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// NotifyCanaryStarted announces that a deployment entered canary.
func (n *Notifier) NotifyCanaryStarted(ctx context.Context, tenantID, deploymentID, rulesetName string, version, trafficPct int) error {
	return n.Notify(ctx, Event{
		Type:         EventCanaryStarted,
		TenantID:     tenantID,
		DeploymentID: deploymentID,
		RulesetName:  rulesetName,
		Version:      version,
		Metadata:     map[string]any{"traffic_percentage": trafficPct},
	})
}

// NotifyCanaryWarning announces a degraded but not halting canary.
func (n *Notifier) NotifyCanaryWarning(ctx context.Context, tenantID, deploymentID, rulesetName string, warnings []string) error {
	return n.Notify(ctx, Event{
		Type:         EventCanaryWarning,
		TenantID:     tenantID,
		DeploymentID: deploymentID,
		RulesetName:  rulesetName,
		State:        string(models.CircuitWarning),
		Reason:       strings.Join(warnings, "; "),
	})
}

// NotifyDeploymentPromoted announces a canary promoted to active.
func (n *Notifier) NotifyDeploymentPromoted(ctx context.Context, tenantID, deploymentID, rulesetName string, version int, triggeredBy string) error {
	return n.Notify(ctx, Event{
		Type:         EventDeploymentPromoted,
		TenantID:     tenantID,
		DeploymentID: deploymentID,
		RulesetName:  rulesetName,
		Version:      version,
		TriggeredBy:  triggeredBy,
	})
}

// NotifyDeploymentRolledBack announces a rollback and its cause.
func (n *Notifier) NotifyDeploymentRolledBack(ctx context.Context, tenantID, deploymentID, rulesetName, reason, triggeredBy string) error {
	return n.Notify(ctx, Event{
		Type:         EventDeploymentRolledBack,
		TenantID:     tenantID,
		DeploymentID: deploymentID,
		RulesetName:  rulesetName,
		Reason:       reason,
		TriggeredBy:  triggeredBy,
	})
}

// NotifyTrustChange announces a trust level transition.
func (n *Notifier) NotifyTrustChange(ctx context.Context, ev models.TrustLevelChangedEvent) error {
	eventType := EventTrustLevelPromoted
	if ev.NewLevel < ev.PreviousLevel {
		eventType = EventTrustLevelDemoted
	}
	return n.Notify(ctx, Event{
		Type:      eventType,
		TenantID:  ev.TenantID,
		RulesetID: ev.RulesetID.String(),
		Reason:    ev.Reason,
		State:     ev.NewLevel.String(),
		Metadata: map[string]any{
			"previous_level": ev.PreviousLevel.String(),
			"new_level":      ev.NewLevel.String(),
			"triggered_by":   string(ev.TriggeredBy),
		},
	})
}

// NotifyReprocessStarted announces a compensation reprocess batch.
func (n *Notifier) NotifyReprocessStarted(ctx context.Context, tenantID, deploymentID string, count int) error {
	return n.Notify(ctx, Event{
		Type:         EventReprocessBatchStarted,
		TenantID:     tenantID,
		DeploymentID: deploymentID,
		Metadata:     map[string]any{"execution_count": count},
	})
}

// sendSlack sends a notification to Slack.
func (n *Notifier) sendSlack(ctx context.Context, event Event) error {
	if n.cfg.SlackWebhookURL == "" {
		return fmt.Errorf("slack webhook URL not configured")
	}

	message := n.buildSlackMessage(event)

	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", n.cfg.SlackWebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}

	n.log.Debug("sent Slack notification", "event", event.Type, "deployment_id", event.DeploymentID)
	return nil
}

// buildSlackMessage builds a Slack message for an event.
func (n *Notifier) buildSlackMessage(event Event) map[string]interface{} {
	var color, title, text string
	var emoji string

	switch event.Type {
	case EventCanaryStarted:
		color = "#439FE0" // Blue
		emoji = ":bird:"
		title = "Canary Started"
		text = fmt.Sprintf("Ruleset *%s* v%d is serving canary traffic (deployment `%s`)",
			event.RulesetName, event.Version, short(event.DeploymentID))

	case EventCanaryWarning:
		color = "#FFA500" // Orange
		emoji = ":warning:"
		title = "Canary Degraded"
		text = fmt.Sprintf("Canary for *%s* (deployment `%s`) is degraded\n*Warnings:* %s",
			event.RulesetName, short(event.DeploymentID), event.Reason)

	case EventDeploymentPromoted:
		color = "#36A64F" // Green
		emoji = ":white_check_mark:"
		title = "Deployment Promoted"
		text = fmt.Sprintf("Ruleset *%s* v%d promoted to active (deployment `%s`) by %s",
			event.RulesetName, event.Version, short(event.DeploymentID), event.TriggeredBy)

	case EventDeploymentRolledBack:
		color = "#FF0000" // Red
		emoji = ":rotating_light:"
		title = "Deployment Rolled Back"
		text = fmt.Sprintf("Deployment `%s` for *%s* rolled back\n*Reason:* %s\n*Triggered by:* %s",
			short(event.DeploymentID), event.RulesetName, event.Reason, event.TriggeredBy)

	case EventTrustLevelPromoted:
		color = "#36A64F" // Green
		emoji = ":arrow_up:"
		title = "Trust Level Promoted"
		text = fmt.Sprintf("Ruleset `%s` promoted to *%s*\n*Reason:* %s",
			short(event.RulesetID), event.State, event.Reason)

	case EventTrustLevelDemoted:
		color = "#FF0000" // Red
		emoji = ":arrow_down:"
		title = "Trust Level Demoted"
		text = fmt.Sprintf("Ruleset `%s` demoted to *%s*\n*Reason:* %s",
			short(event.RulesetID), event.State, event.Reason)

	case EventReprocessBatchStarted:
		color = "#439FE0" // Blue
		emoji = ":arrows_counterclockwise:"
		title = "Reprocess Batch Started"
		text = fmt.Sprintf("Replaying executions marked by deployment `%s`", short(event.DeploymentID))

	default:
		color = "#808080" // Gray
		emoji = ":bell:"
		title = "Notification"
		text = fmt.Sprintf("Event: %s", event.Type)
	}

	return map[string]interface{}{
		"channel":    n.cfg.SlackChannel,
		"username":   "Decision Core",
		"icon_emoji": ":robot_face:",
		"attachments": []map[string]interface{}{
			{
				"color":     color,
				"title":     emoji + " " + title,
				"text":      text,
				"footer":    "Decision Core",
				"ts":        event.Timestamp.Unix(),
				"mrkdwn_in": []string{"text"},
			},
		},
	}
}

// sendWebhook sends a webhook notification.
func (n *Notifier) sendWebhook(ctx context.Context, event Event) error {
	if n.cfg.WebhookURL == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", n.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-DC-Event", string(event.Type))

	if n.cfg.WebhookSecret != "" {
		req.Header.Set("X-DC-Signature", n.computeHMAC(payload))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	n.log.Debug("sent webhook notification", "event", event.Type, "deployment_id", event.DeploymentID)
	return nil
}

// computeHMAC computes an HMAC-SHA256 signature for webhook payloads.
func (n *Notifier) computeHMAC(payload []byte) string {
	h := hmac.New(sha256.New, []byte(n.cfg.WebhookSecret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// short abbreviates IDs for chat messages.
func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
