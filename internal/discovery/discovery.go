// Package discovery expands the known host set by one hop through the
// federation peers each verified host advertises.
package discovery

import (
	"context"
	"net/url"
	"sort"

	"fedlist/internal/fetcher"
	"fedlist/internal/hostname"
	"fedlist/internal/logger"
	"fedlist/internal/model"
	"fedlist/internal/prober"
	"fedlist/internal/storage"
)

// misskeyPeerLimit is the page size requested from Misskey servers.
const misskeyPeerLimit = 100

// Source lists the peers of one known host.
type Source interface {
	Method() model.DiscoveryMethod
	// Applies reports whether the source makes sense for the given software.
	Applies(software string) bool
	Peers(ctx context.Context, f *fetcher.Fetcher, host string) ([]string, error)
}

type nodeInfoSource struct{}

func (nodeInfoSource) Method() model.DiscoveryMethod { return model.DiscoveredNodeInfo }

func (nodeInfoSource) Applies(string) bool { return true }

func (nodeInfoSource) Peers(ctx context.Context, f *fetcher.Fetcher, host string) ([]string, error) {
	doc, _, err := prober.FetchNodeInfo(ctx, f, host)
	if err != nil {
		return nil, err
	}
	return doc.PeerHosts(), nil
}

type mastodonSource struct{}

func (mastodonSource) Method() model.DiscoveryMethod { return model.DiscoveredMastodon }

func (mastodonSource) Applies(software string) bool { return prober.IsMastodonLike(software) }

func (mastodonSource) Peers(ctx context.Context, f *fetcher.Fetcher, host string) ([]string, error) {
	var peers []string
	u := (&url.URL{Scheme: "https", Host: host, Path: "/api/v1/instance/peers"}).String()
	if err := f.GetJSON(ctx, u, &peers); err != nil {
		return nil, err
	}
	return peers, nil
}

type misskeySource struct{}

func (misskeySource) Method() model.DiscoveryMethod { return model.DiscoveredMisskey }

func (misskeySource) Applies(software string) bool { return prober.IsMisskeyLike(software) }

func (misskeySource) Peers(ctx context.Context, f *fetcher.Fetcher, host string) ([]string, error) {
	var instances []struct {
		Host string `json:"host"`
	}
	u := (&url.URL{Scheme: "https", Host: host, Path: "/api/federation/instances"}).String()
	if err := f.PostJSON(ctx, u, map[string]any{"limit": misskeyPeerLimit}, &instances); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(instances))
	for _, i := range instances {
		out = append(out, i.Host)
	}
	return out, nil
}

// DefaultSources returns the per-host peer sources in query order.
func DefaultSources() []Source {
	return []Source{nodeInfoSource{}, mastodonSource{}, misskeySource{}}
}

// Discoverer collects peer candidates from every verified host.
type Discoverer struct {
	fetcher *fetcher.Fetcher
	sources []Source
	feeds   *FeedSource
	log     logger.Logger
}

// New creates a Discoverer using the default sources.
func New(f *fetcher.Fetcher, log logger.Logger) *Discoverer {
	return &Discoverer{
		fetcher: f,
		sources: DefaultSources(),
		log:     log,
	}
}

// SetFeeds adds announcement feeds as an extra source of candidates.
func (d *Discoverer) SetFeeds(fs *FeedSource) {
	d.feeds = fs
}

// Discover queries every host of the snapshot's ok partition and returns
// the deduplicated candidates not already known, sorted by host. Failures
// of a single host or feed are logged and skipped.
func (d *Discoverer) Discover(ctx context.Context, snap *storage.Snapshot) ([]model.PeerCandidate, error) {
	c := newCandidateSet(snap)

	for _, rec := range snap.Records(model.PartitionOK) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		software := ""
		if rec.Software != nil {
			software = rec.Software.Name
		}
		for _, src := range d.sources {
			if !src.Applies(software) {
				continue
			}
			peers, err := src.Peers(ctx, d.fetcher, rec.Host)
			if err != nil {
				d.log.Warn("peer source failed",
					logger.Host(rec.Host),
					logger.String("method", string(src.Method())),
					logger.Error(err),
				)
				continue
			}
			n := c.add(rec.Host, src.Method(), peers)
			d.log.Debug("peers listed",
				logger.Host(rec.Host),
				logger.String("method", string(src.Method())),
				logger.Int("listed", len(peers)),
				logger.Int("new", n),
			)
		}
	}

	if d.feeds != nil {
		for _, fc := range d.feeds.Candidates(ctx, d.fetcher, d.log) {
			c.add(fc.DiscoveredFrom, model.DiscoveredAnnounce, []string{fc.Host})
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := c.list()
	d.log.Info("discovery finished", logger.Int("sources", snap.Len(model.PartitionOK)), logger.Int("candidates", len(out)))
	return out, nil
}

// candidateSet keeps the first discovery of every new host.
type candidateSet struct {
	snap  *storage.Snapshot
	found map[string]model.PeerCandidate
}

func newCandidateSet(snap *storage.Snapshot) *candidateSet {
	return &candidateSet{snap: snap, found: make(map[string]model.PeerCandidate)}
}

func (c *candidateSet) add(from string, method model.DiscoveryMethod, peers []string) int {
	n := 0
	for _, p := range peers {
		h := hostname.Normalize(p)
		if !plausibleHost(h) || c.snap.Known(h) || h == hostname.Normalize(from) {
			continue
		}
		if _, ok := c.found[h]; ok {
			continue
		}
		c.found[h] = model.PeerCandidate{Host: h, DiscoveredFrom: from, DiscoveryMethod: method}
		n++
	}
	return n
}

func (c *candidateSet) list() []model.PeerCandidate {
	out := make([]model.PeerCandidate, 0, len(c.found))
	for _, pc := range c.found {
		out = append(out, pc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

// plausibleHost drops values that cannot be a public host name.
func plausibleHost(h string) bool {
	if h == "" || len(h) > 253 {
		return false
	}
	labels := hostname.Labels(h)
	return len(labels) >= 2 && hostname.PublicSuffix(h) != h
}
