// ABOUTME: Slack Web API calls used by the event handler
// ABOUTME: Posts threaded replies and resolves user display names

package slack

import (
	"context"
	"net/http"
	"strings"

	"github.com/slack-go/slack"
)

// API is the subset of the Slack Web API the handler uses.
type API interface {
	PostMessage(ctx context.Context, channel, threadTS, text string) error
	UserName(ctx context.Context, userID string) (string, error)
}

// WebClient implements API with slack-go.
type WebClient struct {
	client *slack.Client
}

// NewWebClient creates a client for the bot token. apiURL and httpClient are optional.
func NewWebClient(token, apiURL string, httpClient *http.Client) *WebClient {
	var opts []slack.Option
	if apiURL != "" {
		if !strings.HasSuffix(apiURL, "/") {
			apiURL += "/"
		}
		opts = append(opts, slack.OptionAPIURL(apiURL))
	}
	if httpClient != nil {
		opts = append(opts, slack.OptionHTTPClient(httpClient))
	}
	return &WebClient{client: slack.New(token, opts...)}
}

// PostMessage posts text as a reply in the thread rooted at threadTS.
func (c *WebClient) PostMessage(ctx context.Context, channel, threadTS, text string) error {
	_, _, err := c.client.PostMessageContext(ctx, channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionTS(threadTS),
		slack.MsgOptionDisableLinkUnfurl(),
	)
	return err
}

// UserName returns the user's real name, falling back to the profile and handle.
func (c *WebClient) UserName(ctx context.Context, userID string) (string, error) {
	user, err := c.client.GetUserInfoContext(ctx, userID)
	if err != nil {
		return "", err
	}
	for _, name := range []string{user.RealName, user.Profile.RealName, user.Name} {
		if name != "" {
			return name, nil
		}
	}
	return "", nil
}

var _ API = (*WebClient)(nil)
