package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"

	"github.com/polygonetl/chainparse/utils/pkg/retry"
)

type SlackConfig struct {
	Logger  *slog.Logger
	Token   string
	Channel string
	// APIURL overrides the Slack API endpoint, mostly for tests.
	APIURL string
	Retry  retry.Config
}

func (cfg *SlackConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Token == "" {
		return errors.New("slack token is required")
	}
	if cfg.Channel == "" {
		return errors.New("slack channel is required")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// SlackNotifier posts failures to a channel.
type SlackNotifier struct {
	log *slog.Logger
	cfg SlackConfig
	api *slack.Client
}

func NewSlackNotifier(cfg SlackConfig) (*SlackNotifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var opts []slack.Option
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(strings.TrimSuffix(cfg.APIURL, "/")+"/"))
	}
	return &SlackNotifier{
		log: cfg.Logger,
		cfg: cfg,
		api: slack.New(cfg.Token, opts...),
	}, nil
}

func (n *SlackNotifier) Notify(ctx context.Context, f Failure) error {
	text := fmt.Sprintf(":red_circle: *%s* `%s` failed for %s", f.DAGID, f.TaskID, f.DS())
	details := fmt.Sprintf("attempt %d, run `%s`\n```%v```", f.Attempt, f.RunID, f.Err)

	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, details, false, false), nil, nil),
	}
	if len(f.Emails) > 0 {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.PlainTextType, "notify: "+strings.Join(f.Emails, ", "), false, false)))
	}

	err := retry.Do(ctx, n.cfg.Retry, func() error {
		_, _, err := n.api.PostMessageContext(ctx, n.cfg.Channel,
			slack.MsgOptionText(f.Summary(), false),
			slack.MsgOptionBlocks(blocks...),
		)
		return err
	})
	if err != nil {
		n.log.Warn("notify: slack post failed", "channel", n.cfg.Channel, "error", err)
		return fmt.Errorf("failed to post to slack channel %s: %w", n.cfg.Channel, err)
	}
	return nil
}
