package notify

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/go-github/v68/github"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/regressoor/pkg/config"
)

type githubCommenter struct {
	log    logrus.FieldLogger
	client *github.Client
}

// Ensure interface compliance.
var _ Commenter = (*githubCommenter)(nil)

// NewGitHubCommenter creates a Commenter that authenticates with a username
// and personal access token.
func NewGitHubCommenter(
	log logrus.FieldLogger, cfg *config.GitHubConfig,
) (Commenter, error) {
	transport := &github.BasicAuthTransport{
		Username: cfg.Username,
		Password: cfg.Token,
	}

	client := github.NewClient(transport.Client())

	if cfg.APIURL != "" {
		base, err := url.Parse(strings.TrimRight(cfg.APIURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parsing github api url: %w", err)
		}

		client.BaseURL = base
	}

	return &githubCommenter{
		log:    log.WithField("component", "github"),
		client: client,
	}, nil
}

func (c *githubCommenter) PostComment(
	ctx context.Context, owner, repo string, issue int, body string,
) error {
	comment, _, err := c.client.Issues.CreateComment(
		ctx, owner, repo, issue, &github.IssueComment{Body: github.Ptr(body)},
	)
	if err != nil {
		return err
	}

	c.log.WithFields(logrus.Fields{
		"repo":       owner + "/" + repo,
		"issue":      issue,
		"comment_id": comment.GetID(),
	}).Debug("Posted comment")

	return nil
}
