package webhook

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Event is the provider-independent view of one inbound webhook delivery.
type Event struct {
	Provider   string
	DeliveryID string
	// Kind is the provider's event type (github "issue_comment", slack
	// "app_mention", jira "jira:issue_updated", sentry "issue_alert").
	Kind  string
	OrgID string
	// Repo is the bare repository name ("widgets", not "acme/widgets");
	// the owner lives in OrgID. Workspace paths and provider API routes
	// both join the two themselves.
	Repo string
	// CloneURL is set for code-host events that carry a repository.
	CloneURL string
	PRNumber int
	// IssueNumber anchors plain-issue comments; mutually exclusive with
	// PRNumber.
	IssueNumber int
	// ArtifactID identifies the comment/message that raised the event;
	// matched against posted markers for loop prevention.
	ArtifactID string
	Actor      string
	Text       string

	// TicketKey / IssueID carry tracker-specific anchors for the poster.
	TicketKey string
	IssueID   string

	// Jira transition context.
	NewStatus   string
	NewAssignee string
	Labels      []string

	// Sentry severity.
	Level string
}

// SourceKey is the one-active-task-per-source dedup key: provider plus
// the work anchor (PR number, ticket, issue or channel) plus command.
func (e *Event) SourceKey(command string) string {
	anchor := e.Repo
	if e.OrgID != "" && e.Repo != "" {
		anchor = e.OrgID + "/" + e.Repo
	}
	switch {
	case e.PRNumber > 0:
		anchor = fmt.Sprintf("%s#%d", anchor, e.PRNumber)
	case e.IssueNumber > 0:
		anchor = fmt.Sprintf("%s#%d", anchor, e.IssueNumber)
	case e.TicketKey != "":
		anchor = e.TicketKey
	case e.IssueID != "":
		anchor = e.IssueID
	}
	return e.Provider + ":" + anchor + ":" + command
}

// Normalize parses a verified provider payload into an Event. A payload
// that parses but carries nothing actionable still returns an Event; the
// activation rules decide relevance.
func Normalize(provider string, headers http.Header, body []byte) (*Event, error) {
	switch provider {
	case "github":
		return normalizeGitHub(headers, body)
	case "slack":
		return normalizeSlack(headers, body)
	case "jira":
		return normalizeJira(headers, body)
	case "sentry":
		return normalizeSentry(headers, body)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
}

type githubPayload struct {
	Action  string `json:"action"`
	Comment struct {
		ID   int64  `json:"id"`
		Body string `json:"body"`
		User struct {
			Login string `json:"login"`
			Type  string `json:"type"`
		} `json:"user"`
	} `json:"comment"`
	Issue struct {
		Number      int             `json:"number"`
		PullRequest json.RawMessage `json:"pull_request"`
	} `json:"issue"`
	PullRequest struct {
		Number int `json:"number"`
	} `json:"pull_request"`
	Repository struct {
		Name     string `json:"name"`
		CloneURL string `json:"clone_url"`
		Owner    struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
}

func normalizeGitHub(headers http.Header, body []byte) (*Event, error) {
	var payload githubPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse github payload: %w", err)
	}
	e := &Event{
		Provider:   "github",
		DeliveryID: headers.Get("X-GitHub-Delivery"),
		Kind:       headers.Get("X-GitHub-Event"),
		OrgID:      payload.Repository.Owner.Login,
		Repo:       payload.Repository.Name,
		CloneURL:   payload.Repository.CloneURL,
		Actor:      payload.Comment.User.Login,
		Text:       payload.Comment.Body,
	}
	if payload.Comment.ID != 0 {
		e.ArtifactID = fmt.Sprintf("c-%d", payload.Comment.ID)
	}
	switch {
	case payload.PullRequest.Number > 0:
		e.PRNumber = payload.PullRequest.Number
	case len(payload.Issue.PullRequest) > 0:
		// Comments on PRs arrive as issue_comment with a pull_request stub.
		e.PRNumber = payload.Issue.Number
	case payload.Issue.Number > 0:
		e.IssueNumber = payload.Issue.Number
	}
	// Bot accounts are dropped at activation, but GitHub marks them here.
	if payload.Comment.User.Type == "Bot" {
		e.Actor = payload.Comment.User.Login + "[bot]"
	}
	return e, nil
}

type slackPayload struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	TeamID    string `json:"team_id"`
	EventID   string `json:"event_id"`
	Event     struct {
		Type    string `json:"type"`
		Text    string `json:"text"`
		User    string `json:"user"`
		BotID   string `json:"bot_id"`
		Channel string `json:"channel"`
		TS      string `json:"ts"`
	} `json:"event"`
}

func normalizeSlack(headers http.Header, body []byte) (*Event, error) {
	// Slash commands arrive form-encoded, events as JSON.
	if isFormEncoded(headers, body) {
		return normalizeSlackSlash(body)
	}

	var payload slackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse slack payload: %w", err)
	}
	if payload.Type == "url_verification" {
		return &Event{Provider: "slack", Kind: "url_verification", Text: payload.Challenge}, nil
	}
	e := &Event{
		Provider:   "slack",
		DeliveryID: payload.EventID,
		Kind:       payload.Event.Type,
		OrgID:      payload.TeamID,
		Actor:      payload.Event.User,
		Text:       payload.Event.Text,
		IssueID:    payload.Event.Channel,
	}
	if payload.Event.TS != "" {
		e.ArtifactID = payload.Event.Channel + ":" + payload.Event.TS
	}
	if payload.Event.BotID != "" {
		e.Actor = "bot:" + payload.Event.BotID
	}
	return e, nil
}

func normalizeSlackSlash(body []byte) (*Event, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse slack slash payload: %w", err)
	}
	return &Event{
		Provider:   "slack",
		DeliveryID: values.Get("trigger_id"),
		Kind:       "slash_command",
		OrgID:      values.Get("team_id"),
		Actor:      values.Get("user_name"),
		Text:       values.Get("text"),
		IssueID:    values.Get("channel_id"),
	}, nil
}

func isFormEncoded(headers http.Header, body []byte) bool {
	if strings.Contains(headers.Get("Content-Type"), "application/x-www-form-urlencoded") {
		return true
	}
	return len(body) > 0 && body[0] != '{'
}

type jiraPayload struct {
	WebhookEvent string `json:"webhookEvent"`
	Issue        struct {
		Key    string `json:"key"`
		Fields struct {
			Labels  []string `json:"labels"`
			Project struct {
				Key string `json:"key"`
			} `json:"project"`
			Status struct {
				Name string `json:"name"`
			} `json:"status"`
			Assignee struct {
				Name        string `json:"name"`
				DisplayName string `json:"displayName"`
			} `json:"assignee"`
		} `json:"fields"`
	} `json:"issue"`
	Comment struct {
		ID     string `json:"id"`
		Body   string `json:"body"`
		Author struct {
			Name        string `json:"name"`
			DisplayName string `json:"displayName"`
		} `json:"author"`
	} `json:"comment"`
	User struct {
		Name        string `json:"name"`
		DisplayName string `json:"displayName"`
	} `json:"user"`
	Changelog struct {
		Items []struct {
			Field    string `json:"field"`
			ToString string `json:"toString"`
		} `json:"items"`
	} `json:"changelog"`
}

func normalizeJira(headers http.Header, body []byte) (*Event, error) {
	var payload jiraPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse jira payload: %w", err)
	}
	e := &Event{
		Provider:   "jira",
		DeliveryID: headers.Get("X-Atlassian-Webhook-Identifier"),
		Kind:       payload.WebhookEvent,
		OrgID:      payload.Issue.Fields.Project.Key,
		TicketKey:  payload.Issue.Key,
		Labels:     payload.Issue.Fields.Labels,
		Actor:      firstNonEmpty(payload.User.Name, payload.User.DisplayName),
	}
	if payload.Comment.ID != "" {
		e.ArtifactID = "comment-" + payload.Comment.ID
		e.Text = payload.Comment.Body
		e.Actor = firstNonEmpty(payload.Comment.Author.Name, payload.Comment.Author.DisplayName)
	}
	for _, item := range payload.Changelog.Items {
		switch item.Field {
		case "status":
			e.NewStatus = item.ToString
		case "assignee":
			e.NewAssignee = item.ToString
		}
	}
	return e, nil
}

type sentryPayload struct {
	Action string `json:"action"`
	Data   struct {
		Issue struct {
			ID      string `json:"id"`
			Title   string `json:"title"`
			Level   string `json:"level"`
			Culprit string `json:"culprit"`
			Project struct {
				Slug string `json:"slug"`
			} `json:"project"`
		} `json:"issue"`
	} `json:"data"`
	Installation struct {
		UUID string `json:"uuid"`
	} `json:"installation"`
	OrganizationSlug string `json:"organization_slug"`
}

func normalizeSentry(headers http.Header, body []byte) (*Event, error) {
	var payload sentryPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse sentry payload: %w", err)
	}
	org := payload.OrganizationSlug
	if org == "" {
		org = payload.Data.Issue.Project.Slug
	}
	e := &Event{
		Provider:   "sentry",
		DeliveryID: headers.Get("Request-ID"),
		Kind:       "issue_" + payload.Action,
		OrgID:      org,
		IssueID:    payload.Data.Issue.ID,
		Level:      payload.Data.Issue.Level,
		Text:       payload.Data.Issue.Title,
	}
	if payload.Data.Issue.Culprit != "" {
		e.Text += " (" + payload.Data.Issue.Culprit + ")"
	}
	return e, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
