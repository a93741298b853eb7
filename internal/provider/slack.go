package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/slack-go/slack"
	"github.com/sony/gobreaker"
)

// Slack posts Block Kit messages through the Web API. Approve/reject
// tasks get action buttons so reviewers can answer in place.
type Slack struct {
	base string
	http *http.Client
	cb   *gobreaker.CircuitBreaker
}

func NewSlack(baseURL string, hc *http.Client) *Slack {
	if hc == nil {
		hc = http.DefaultClient
	}
	// slack-go requires a trailing slash on custom API URLs.
	if baseURL != "" && !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Slack{base: baseURL, http: hc, cb: newBreaker("slack")}
}

func (s *Slack) api(t Target) *slack.Client {
	opts := []slack.Option{slack.OptionHTTPClient(s.http)}
	if s.base != "" {
		opts = append(opts, slack.OptionAPIURL(s.base))
	}
	return slack.New(t.Token, opts...)
}

// PostMessage sends to the channel, threading under the triggering
// message when one is known. Artifact id is channel:ts, matching the
// form webhook normalization produces.
func (s *Slack) PostMessage(ctx context.Context, t Target, body string) (string, error) {
	blocks := messageBlocks(t, body)
	opts := []slack.MsgOption{
		slack.MsgOptionText(body, false),
		slack.MsgOptionBlocks(blocks...),
	}
	if t.ThreadTS != "" {
		opts = append(opts, slack.MsgOptionTS(t.ThreadTS))
	}
	artifact, err := s.cb.Execute(func() (any, error) {
		channel, ts, err := s.api(t).PostMessageContext(ctx, t.Channel, opts...)
		if err != nil {
			return nil, err
		}
		return channel + ":" + ts, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to post message: %w", err)
	}
	return artifact.(string), nil
}

func (s *Slack) PostComment(ctx context.Context, t Target, body string) (string, error) {
	return s.PostMessage(ctx, t, body)
}

func (s *Slack) UpdateStatus(ctx context.Context, t Target, status string) error {
	return ErrUnsupported
}

func (s *Slack) AddReaction(ctx context.Context, t Target, reaction string) error {
	if t.Channel == "" || t.ThreadTS == "" {
		return ErrUnsupported
	}
	ref := slack.NewRefToMessage(t.Channel, t.ThreadTS)
	if _, err := s.cb.Execute(func() (any, error) {
		return nil, s.api(t).AddReactionContext(ctx, reaction, ref)
	}); err != nil {
		return fmt.Errorf("failed to add reaction: %w", err)
	}
	return nil
}

func messageBlocks(t Target, body string) []slack.Block {
	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, body, false, false),
			nil, nil),
	}
	if t.TaskID != "" {
		blocks = append(blocks, slack.NewActionBlock(
			"task-"+t.TaskID,
			slack.NewButtonBlockElement("approve", t.TaskID,
				slack.NewTextBlockObject(slack.PlainTextType, "Approve", false, false)),
			slack.NewButtonBlockElement("reject", t.TaskID,
				slack.NewTextBlockObject(slack.PlainTextType, "Reject", false, false)),
		))
	}
	return blocks
}
