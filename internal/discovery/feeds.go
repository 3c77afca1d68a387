package discovery

import (
	"context"
	"net/url"
	"regexp"

	"github.com/mmcdole/gofeed"

	"fedlist/internal/fetcher"
	"fedlist/internal/hostname"
	"fedlist/internal/logger"
	"fedlist/internal/model"
)

// hostPattern finds host-like tokens in feed titles.
var hostPattern = regexp.MustCompile(`(?i)\b(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,63}\b`)

// FeedSource reads announcement feeds (RSS or Atom) where new servers are
// introduced, such as instance directories or admin newsletters.
type FeedSource struct {
	urls []string
}

// NewFeedSource creates a FeedSource for the given feed URLs.
func NewFeedSource(urls ...string) *FeedSource {
	return &FeedSource{urls: urls}
}

// Candidates returns every host named by an item link or title. The feed's
// own host is not a candidate. Unreadable feeds are logged and skipped.
func (s *FeedSource) Candidates(ctx context.Context, f *fetcher.Fetcher, log logger.Logger) []model.PeerCandidate {
	var out []model.PeerCandidate
	for _, u := range s.urls {
		if ctx.Err() != nil {
			return out
		}
		feed, err := f.FetchFeed(ctx, u)
		if err != nil {
			log.Warn("announcement feed failed", logger.String("feed", u), logger.Error(err))
			continue
		}
		origin := feedHost(u)
		for _, h := range ItemHosts(feed) {
			if h == origin {
				continue
			}
			out = append(out, model.PeerCandidate{Host: h, DiscoveredFrom: origin, DiscoveryMethod: model.DiscoveredAnnounce})
		}
	}
	return out
}

// ItemHosts extracts host names from the links and titles of feed items,
// in item order without duplicates.
func ItemHosts(feed *gofeed.Feed) []string {
	seen := hostname.NewSet()
	var out []string
	add := func(h string) {
		h = hostname.Normalize(h)
		if h == "" || seen.Has(h) {
			return
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}

	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		for _, link := range append([]string{item.Link}, item.Links...) {
			if u, err := url.Parse(link); err == nil && u.Hostname() != "" {
				add(u.Hostname())
			}
		}
		for _, m := range hostPattern.FindAllString(item.Title, -1) {
			add(m)
		}
	}
	return out
}

func feedHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return hostname.Normalize(u.Hostname())
}
