package webhook

import (
	"fmt"
	"strings"

	"github.com/sidekick-bot/sidekick/internal/bus"
)

func getMap(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return map[string]any{}
}

func getString(m map[string]any, key, fallback string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// NormalizeGitHub renders a GitHub event payload into a one-line summary.
func NormalizeGitHub(eventType string, payload map[string]any, channel string) *bus.WebhookReceived {
	repo := getString(getMap(payload, "repository"), "full_name", "unknown")

	var summary string
	switch eventType {
	case "push":
		count := 0
		if commits, ok := payload["commits"].([]any); ok {
			count = len(commits)
		}
		branch := strings.TrimPrefix(getString(payload, "ref", ""), "refs/heads/")
		pusher := getString(getMap(payload, "pusher"), "name", "unknown")
		summary = fmt.Sprintf("%s pushed %d commit(s) to %s/%s", pusher, count, repo, branch)
	case "pull_request":
		action := getString(payload, "action", "")
		pr := getMap(payload, "pull_request")
		summary = fmt.Sprintf("%s %s PR #%v on %s: %s",
			getString(getMap(pr, "user"), "login", "unknown"),
			action, pr["number"], repo, getString(pr, "title", ""))
	case "issues":
		action := getString(payload, "action", "")
		issue := getMap(payload, "issue")
		summary = fmt.Sprintf("%s %s issue #%v on %s: %s",
			getString(getMap(issue, "user"), "login", "unknown"),
			action, issue["number"], repo, getString(issue, "title", ""))
	case "workflow_run":
		action := getString(payload, "action", "")
		run := getMap(payload, "workflow_run")
		summary = fmt.Sprintf("Workflow %q %s on %s: %s",
			getString(run, "name", ""), action, repo, getString(run, "conclusion", ""))
	default:
		summary = fmt.Sprintf("GitHub %s event on %s", eventType, repo)
	}

	return &bus.WebhookReceived{
		Source:    "github",
		EventType: eventType,
		Summary:   summary,
		Payload:   payload,
		Channel:   channel,
	}
}

// NormalizeSentry renders a Sentry alert payload into a one-line summary.
func NormalizeSentry(payload map[string]any, channel string) *bus.WebhookReceived {
	data := getMap(payload, "data")
	event := data
	if e, ok := data["event"].(map[string]any); ok {
		event = e
	}
	title := getString(event, "title", getString(payload, "message", "Sentry alert"))
	project := getString(payload, "project_name", getString(payload, "project", "unknown"))
	level := getString(event, "level", "error")

	return &bus.WebhookReceived{
		Source:    "sentry",
		EventType: "alert",
		Summary:   fmt.Sprintf("[%s] %s: %s", level, project, title),
		Payload:   payload,
		Channel:   channel,
	}
}

// NormalizeGeneric passes the payload's own summary through.
func NormalizeGeneric(payload map[string]any, channel string) *bus.WebhookReceived {
	summary := getString(payload, "summary", getString(payload, "message", "Webhook received"))
	return &bus.WebhookReceived{
		Source:    "generic",
		EventType: getString(payload, "event_type", "generic"),
		Summary:   summary,
		Payload:   payload,
		Channel:   channel,
	}
}
