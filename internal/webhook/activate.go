package webhook

import (
	"regexp"
	"strings"

	"github.com/agentdhq/agentd/internal/config"
	"github.com/agentdhq/agentd/internal/task"
)

// Activation is the decision to turn an event into a task.
type Activation struct {
	Command  string
	Priority task.Priority
}

// verbPattern matches the command grammar in comments and mentions.
var verbPattern = regexp.MustCompile(`(?i)@agent\s+(analyze|plan|implement|fix|review|approve|reject|improve|help)\b`)

// activationRule ties a provider's event kinds to a trigger predicate.
// Rules are data; adding a provider trigger means adding a row, not a
// code path in the ingress.
type activationRule struct {
	provider string
	kinds    []string
	match    func(r *Rules, e *Event) (Activation, bool)
}

var activationRules = []activationRule{
	{
		provider: "github",
		kinds:    []string{"issue_comment", "pull_request_review_comment"},
		match:    matchVerbComment,
	},
	{
		provider: "slack",
		kinds:    []string{"app_mention"},
		match:    matchSlackMention,
	},
	{
		provider: "slack",
		kinds:    []string{"slash_command"},
		match:    matchSlashCommand,
	},
	{
		provider: "jira",
		kinds:    []string{"comment_created", "jira:issue_updated"},
		match:    matchJira,
	},
	{
		provider: "sentry",
		kinds:    []string{"issue_created", "issue_triggered"},
		match:    matchSentry,
	},
}

// Rules evaluates the activation table against provider configuration.
type Rules struct {
	cfg config.ProvidersConfig
}

func NewRules(cfg config.ProvidersConfig) *Rules {
	return &Rules{cfg: cfg}
}

// Activate decides whether an event becomes a task. Events authored by
// the agent's own identity (or any bot) never activate: that is the
// second line of loop prevention after posted markers.
func (r *Rules) Activate(e *Event) (Activation, bool) {
	if r.isAgentAuthor(e) {
		return Activation{}, false
	}
	for _, rule := range activationRules {
		if rule.provider != e.Provider {
			continue
		}
		for _, kind := range rule.kinds {
			if kind == e.Kind {
				return rule.match(r, e)
			}
		}
	}
	return Activation{}, false
}

func (r *Rules) isAgentAuthor(e *Event) bool {
	actor := strings.ToLower(e.Actor)
	if actor == "" {
		return false
	}
	if strings.HasPrefix(actor, "bot:") || strings.HasSuffix(actor, "[bot]") {
		return true
	}
	bot := strings.ToLower(r.providerCfg(e.Provider).BotUser)
	return bot != "" && actor == bot
}

func (r *Rules) providerCfg(provider string) config.ProviderConfig {
	switch provider {
	case "github":
		return r.cfg.GitHub
	case "jira":
		return r.cfg.Jira
	case "slack":
		return r.cfg.Slack
	case "sentry":
		return r.cfg.Sentry
	default:
		return config.ProviderConfig{}
	}
}

func matchVerbComment(_ *Rules, e *Event) (Activation, bool) {
	verb, ok := parseVerb(e.Text)
	if !ok {
		return Activation{}, false
	}
	return Activation{Command: verb, Priority: task.PriorityForCommand(verb)}, true
}

// matchSlackMention accepts "<@U123> fix ..." as well as the explicit
// "@agent fix ..." grammar.
func matchSlackMention(r *Rules, e *Event) (Activation, bool) {
	if verb, ok := parseVerb(e.Text); ok {
		return Activation{Command: verb, Priority: task.PriorityForCommand(verb)}, true
	}
	stripped := mentionPrefix.ReplaceAllString(strings.TrimSpace(e.Text), "")
	fields := strings.Fields(stripped)
	if len(fields) == 0 {
		return Activation{}, false
	}
	verb := strings.ToLower(fields[0])
	if !validVerb(verb) {
		return Activation{}, false
	}
	return Activation{Command: verb, Priority: task.PriorityForCommand(verb)}, true
}

var mentionPrefix = regexp.MustCompile(`^<@[A-Z0-9]+>\s*`)

func matchSlashCommand(_ *Rules, e *Event) (Activation, bool) {
	fields := strings.Fields(e.Text)
	if len(fields) == 0 {
		return Activation{}, false
	}
	verb := strings.ToLower(fields[0])
	if !validVerb(verb) {
		return Activation{}, false
	}
	return Activation{Command: verb, Priority: task.PriorityForCommand(verb)}, true
}

// matchJira requires an activation stanza: without configured filters the
// provider ingests nothing (disabled by default).
func matchJira(r *Rules, e *Event) (Activation, bool) {
	act := r.cfg.Jira.Activation
	if act == nil {
		return Activation{}, false
	}
	if verb, ok := parseVerb(e.Text); ok {
		return Activation{Command: verb, Priority: task.PriorityForCommand(verb)}, true
	}
	if act.JiraAssignee != "" && strings.EqualFold(e.NewAssignee, act.JiraAssignee) {
		return Activation{Command: "fix", Priority: task.PriorityForCommand("fix")}, true
	}
	if act.JiraStatus != "" && strings.EqualFold(e.NewStatus, act.JiraStatus) && hasLabel(e.Labels, "AI-Fix") {
		return Activation{Command: "fix", Priority: task.PriorityForCommand("fix")}, true
	}
	return Activation{}, false
}

func matchSentry(r *Rules, e *Event) (Activation, bool) {
	act := r.cfg.Sentry.Activation
	if act == nil || act.SentryMinLevel == "" {
		return Activation{}, false
	}
	if levelRank(e.Level) < levelRank(act.SentryMinLevel) {
		return Activation{}, false
	}
	priority := task.PriorityHigh
	if levelRank(e.Level) >= levelRank("fatal") {
		priority = task.PriorityCritical
	}
	return Activation{Command: "analyze", Priority: priority}, true
}

func parseVerb(text string) (string, bool) {
	m := verbPattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.ToLower(m[1]), true
}

func validVerb(verb string) bool {
	switch verb {
	case "analyze", "plan", "implement", "fix", "review", "approve", "reject", "improve", "help":
		return true
	}
	return false
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if strings.EqualFold(l, want) {
			return true
		}
	}
	return false
}

func levelRank(level string) int {
	switch strings.ToLower(level) {
	case "fatal":
		return 4
	case "error":
		return 3
	case "warning":
		return 2
	case "info":
		return 1
	default:
		return 0
	}
}
