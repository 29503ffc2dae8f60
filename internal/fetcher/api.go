package fetcher

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// apiUser is the Twitter API v2 user resource shape this package reads.
type apiUser struct {
	ID              string `json:"id"`
	Username        string `json:"username"`
	Name            string `json:"name"`
	Verified        bool   `json:"verified"`
	PublicMetrics   struct {
		FollowersCount int `json:"followers_count"`
	} `json:"public_metrics"`
}

// apiTweet is the Twitter API v2 tweet resource shape this package reads.
type apiTweet struct {
	ID                string `json:"id"`
	Text              string `json:"text"`
	AuthorID          string `json:"author_id"`
	CreatedAt         string `json:"created_at"`
	ConversationID    string `json:"conversation_id"`
	PublicMetrics     struct {
		LikeCount    int `json:"like_count"`
		RetweetCount int `json:"retweet_count"`
		ReplyCount   int `json:"reply_count"`
		QuoteCount   int `json:"quote_count"`
	} `json:"public_metrics"`
	ReferencedTweets []struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"referenced_tweets"`
}

type includes struct {
	Users  []apiUser  `json:"users"`
	Tweets []apiTweet `json:"tweets"`
}

type usersByResponse struct {
	Data   []apiUser `json:"data"`
	Errors []struct {
		Detail       string `json:"detail"`
		ResourceID   string `json:"resource_id"`
		ResourceType string `json:"resource_type"`
	} `json:"errors"`
}

type tweetsResponse struct {
	Data     []apiTweet `json:"data"`
	Includes includes   `json:"includes"`
}

const tweetFields = "created_at,conversation_id,public_metrics,referenced_tweets,author_id"
const userFields = "verified,public_metrics"
const tweetExpansions = "referenced_tweets.id,referenced_tweets.id.author_id"

// resolveHandles resolves every handle to its Account in a single
// batch request, per spec.md §4.6 step 1. Unknown handles are
// returned separately rather than as an error.
func (c *Client) resolveHandles(ctx context.Context, handles []string) ([]Account, []string, error) {
	q := url.Values{}
	q.Set("usernames", strings.Join(trimAll(handles), ","))
	q.Set("user.fields", userFields)

	var resp usersByResponse
	if err := c.doJSON(ctx, baseURL+"/users/by?"+q.Encode(), &resp); err != nil {
		return nil, nil, err
	}

	foundByHandle := make(map[string]apiUser, len(resp.Data))
	for _, u := range resp.Data {
		foundByHandle[strings.ToLower(u.Username)] = u
	}

	var accounts []Account
	var unknown []string
	for _, h := range handles {
		u, ok := foundByHandle[strings.ToLower(strings.TrimPrefix(h, "@"))]
		if !ok {
			unknown = append(unknown, h)
			continue
		}
		accounts = append(accounts, Account{
			ID:            u.ID,
			Handle:        u.Username,
			DisplayName:   u.Name,
			FollowerCount: u.PublicMetrics.FollowersCount,
			Verified:      u.Verified,
		})
	}
	return accounts, unknown, nil
}

// getUserTweets pulls up to cap recent tweets for userID created
// within the lookback window, with expansions sufficient for retweet
// and thread resolution.
func (c *Client) getUserTweets(ctx context.Context, userID string, cap, lookbackDays int) (tweetsResponse, error) {
	startTime := time.Now().UTC().AddDate(0, 0, -lookbackDays).Format(time.RFC3339)

	q := url.Values{}
	q.Set("max_results", strconv.Itoa(clampMaxResults(cap)))
	q.Set("start_time", startTime)
	q.Set("tweet.fields", tweetFields)
	q.Set("user.fields", userFields)
	q.Set("expansions", tweetExpansions)

	var resp tweetsResponse
	err := c.doJSON(ctx, fmt.Sprintf("%s/users/%s/tweets?%s", baseURL, userID, q.Encode()), &resp)
	return resp, err
}

// searchConversation queries the recent-search endpoint for every
// tweet in a conversation authored by handle, used to fill in thread
// parts the timeline pull missed, per spec.md §4.6 step 3.
func (c *Client) searchConversation(ctx context.Context, conversationID, handle string) ([]Tweet, error) {
	query := fmt.Sprintf("conversation_id:%s from:%s", conversationID, strings.TrimPrefix(handle, "@"))

	q := url.Values{}
	q.Set("query", query)
	q.Set("tweet.fields", tweetFields)
	q.Set("max_results", "100")

	var resp tweetsResponse
	if err := c.doJSON(ctx, baseURL+"/tweets/search/recent?"+q.Encode(), &resp); err != nil {
		return nil, err
	}

	acct := Account{Handle: handle}
	parts := make([]Tweet, 0, len(resp.Data))
	for _, d := range resp.Data {
		createdAt, err := time.Parse(time.RFC3339, d.CreatedAt)
		if err != nil {
			continue
		}
		parts = append(parts, Tweet{
			ID:             d.ID,
			Author:         acct,
			CreatedAt:      createdAt,
			Text:           d.Text,
			ConversationID: d.ConversationID,
		})
	}
	return parts, nil
}

// clampMaxResults enforces the Twitter API v2's own [5, 100] bound on
// max_results independent of the configured per-account cap.
func clampMaxResults(cap int) int {
	if cap < 5 {
		return 5
	}
	if cap > 100 {
		return 100
	}
	return cap
}

func trimAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strings.TrimPrefix(strings.TrimSpace(s), "@")
	}
	return out
}
