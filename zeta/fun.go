package zeta

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/tidwall/gjson"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxRedditLookups is how many random posts are tried before giving up
// on a subreddit full of nsfw or video posts
const maxRedditLookups = 25

// RedditPost is the part of a reddit listing entry used by the reddit command
type RedditPost struct {
	Title     string
	Permalink string
	ImageURL  string
	NSFW      bool
	Video     bool
}

// parseRedditListing extracts posts from a subreddit listing
func parseRedditListing(body []byte) []RedditPost {
	children := gjson.GetBytes(body, "data.children").Array()
	posts := make([]RedditPost, 0, len(children))
	for _, child := range children {
		data := child.Get("data")
		posts = append(
			posts, RedditPost{
				Title:     data.Get("title").String(),
				Permalink: data.Get("permalink").String(),
				ImageURL:  data.Get("url_overridden_by_dest").String(),
				NSFW:      data.Get("over_18").Bool(),
				Video:     data.Get("is_video").Bool(),
			},
		)
	}
	return posts
}

// SubredditHot returns the hot posts of a subreddit. Reddit answers
// with an empty listing (or a 403/404) for private and missing
// subreddits, which return no posts and no error.
func (w *WebClient) SubredditHot(ctx context.Context, subreddit string) ([]RedditPost, error) {
	endpoint := fmt.Sprintf(
		"%s/r/%s.json",
		strings.TrimSuffix(w.config.RedditURL, "/"),
		url.PathEscape(subreddit),
	)
	body, err := w.GetJSON(ctx, endpoint)
	if err != nil {
		if isHTTPStatus(err, http.StatusNotFound) || isHTTPStatus(err, http.StatusForbidden) {
			return nil, nil
		}
		return nil, err
	}
	return parseRedditListing(body), nil
}

// pickRedditPost picks random posts until one is postable. Posts that
// are nsfw, videos or have no image are skipped; once either skip count
// reaches [maxRedditLookups], no post is returned and reason says why.
func pickRedditPost(posts []RedditPost, intn func(int) int) (post *RedditPost, reason string) {
	nsfw, video := 1, 1
	for nsfw < maxRedditLookups && video < maxRedditLookups {
		selected := posts[intn(len(posts))]
		switch {
		case selected.NSFW:
			nsfw++
		case selected.Video || selected.ImageURL == "":
			video++
		default:
			return &selected, ""
		}
	}
	if nsfw >= maxRedditLookups {
		return nil, fmt.Sprintf("Looked up %d posts, all were nsfw, not posting", maxRedditLookups)
	}
	return nil, fmt.Sprintf("Looked up %d posts, all were videos, can't post.", maxRedditLookups)
}

func funCommands() []*Command {
	return []*Command{
		{
			Name:     "reddit",
			Aliases:  []string{"r"},
			Usage:    "<subreddit>",
			Help:     "Fetches a random hot post from a subreddit\nOnly works for image posts, and doesn't send any posts marked nsfw",
			Category: categoryFun,
			Run:      runReddit,
		},
		{
			Name:     "pokedex",
			Aliases:  []string{"dex"},
			Usage:    "<pokemon>",
			Help:     "Looks up a pokemon\nMisspelled names are matched to the closest pokemon",
			Category: categoryFun,
			Run:      runPokedex,
		},
	}
}

func runReddit(ctx context.Context, c *CommandContext) error {
	subreddit, err := c.RequireArg(0, "subreddit")
	if err != nil {
		return err
	}
	subreddit = strings.TrimPrefix(subreddit, "r/")

	start := time.Now()
	posts, err := c.Web.SubredditHot(ctx, subreddit)
	if err != nil {
		return err
	}
	if len(posts) == 0 {
		_, err = c.Reply("Subreddit not found! It may be private or might not exist.")
		return err
	}

	post, reason := pickRedditPost(posts, rand.IntN)
	if post == nil {
		_, err = c.Reply(reason)
		return err
	}

	_, err = c.ReplyEmbed(
		&discordgo.MessageEmbed{
			Title: truncate(post.Title, 256),
			URL:   strings.TrimSuffix(c.Config.Web.RedditURL, "/") + post.Permalink,
			Color: colorRed,
			Image: &discordgo.MessageEmbedImage{URL: post.ImageURL},
			Footer: &discordgo.MessageEmbedFooter{
				Text: fmt.Sprintf(
					"Requested by %s, fetched in %.2gs",
					c.AuthorName(),
					time.Since(start).Seconds(),
				),
				IconURL: c.Author().AvatarURL(""),
			},
		},
	)
	return err
}
