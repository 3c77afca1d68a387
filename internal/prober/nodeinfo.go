package prober

import (
	"context"
	"fmt"
	"net/url"
	"sort"

	"fedlist/internal/fetcher"
	"fedlist/internal/hostname"
	"fedlist/internal/model"
)

// WellKnownPath is the NodeInfo discovery document location.
const WellKnownPath = "/.well-known/nodeinfo"

// schemaRank maps accepted NodeInfo relations to their preference.
var schemaRank = func() map[string]int {
	m := make(map[string]int)
	versions := []string{"1.0", "1.1", "2.0", "2.1"}
	for i, v := range versions {
		for _, scheme := range []string{"http", "https"} {
			m[scheme+"://nodeinfo.diaspora.software/ns/schema/"+v] = i + 1
		}
	}
	return m
}()

type discoveryIndex struct {
	Links []Link `json:"links"`
}

// Link is one entry of the discovery document.
type Link struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

// NodeInfo is the subset of a NodeInfo document the pipeline reads. Every
// block tolerates a wrong shape (servers emit "metadata": [] and similar)
// and is then read as empty instead of failing the document.
type NodeInfo struct {
	Software          nodeSoftware `json:"software"`
	OpenRegistrations flexBool     `json:"openRegistrations"`
	Usage             nodeUsage    `json:"usage"`
	Metadata          nodeMetadata `json:"metadata"`
}

type nodeSoftware struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type nodeUsage struct {
	Users      nodeUsers   `json:"users"`
	LocalPosts flexInt     `json:"localPosts"`
	Languages  flexStrings `json:"languages"`
}

type nodeUsers struct {
	Total       flexInt `json:"total"`
	ActiveMonth flexInt `json:"activeMonth"`
}

type nodeMetadata struct {
	Languages  flexStrings    `json:"languages"`
	Peers      flexStrings    `json:"peers"`
	Federation nodeFederation `json:"federation"`
}

type nodeFederation struct {
	Peers   flexStrings `json:"peers"`
	Domains flexStrings `json:"domains"`
}

func (s *nodeSoftware) UnmarshalJSON(b []byte) error {
	type plain nodeSoftware
	var v plain
	decodeObject(b, &v)
	*s = nodeSoftware(v)
	return nil
}

func (u *nodeUsage) UnmarshalJSON(b []byte) error {
	type plain nodeUsage
	var v plain
	decodeObject(b, &v)
	*u = nodeUsage(v)
	return nil
}

func (u *nodeUsers) UnmarshalJSON(b []byte) error {
	type plain nodeUsers
	var v plain
	decodeObject(b, &v)
	*u = nodeUsers(v)
	return nil
}

func (m *nodeMetadata) UnmarshalJSON(b []byte) error {
	type plain nodeMetadata
	var v plain
	decodeObject(b, &v)
	*m = nodeMetadata(v)
	return nil
}

func (f *nodeFederation) UnmarshalJSON(b []byte) error {
	type plain nodeFederation
	var v plain
	decodeObject(b, &v)
	*f = nodeFederation(v)
	return nil
}

// Fields maps the document into the canonical field set.
func (n *NodeInfo) Fields() Fields {
	f := Fields{
		OpenRegistrations: n.OpenRegistrations.ptr(),
		UsersTotal:        n.Usage.Users.Total.ptr(),
		UsersActiveMonth:  n.Usage.Users.ActiveMonth.ptr(),
		Statuses:          n.Usage.LocalPosts.ptr(),
	}
	if n.Software.Name != "" || n.Software.Version != "" {
		f.Software = &model.Software{Name: n.Software.Name, Version: n.Software.Version}
	}
	f.Languages = append(append(f.Languages, n.Usage.Languages...), n.Metadata.Languages...)
	return f
}

// PeerHosts returns the federation peers advertised in the metadata block.
func (n *NodeInfo) PeerHosts() []string {
	var out []string
	out = append(out, n.Metadata.Peers...)
	out = append(out, n.Metadata.Federation.Peers...)
	out = append(out, n.Metadata.Federation.Domains...)
	return out
}

// SelectLinks returns the allowlisted links ordered by preference, newest schema first.
func SelectLinks(links []Link) []Link {
	var out []Link
	for _, l := range links {
		if _, ok := schemaRank[l.Rel]; ok && l.Href != "" {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return schemaRank[out[i].Rel] > schemaRank[out[j].Rel]
	})
	return out
}

// FetchNodeInfo walks the discovery document of host and returns the first
// allowlisted NodeInfo document that yields at least one canonical field,
// together with the base URL it was served from.
func FetchNodeInfo(ctx context.Context, f *fetcher.Fetcher, host string) (*NodeInfo, string, error) {
	var lastErr error
	for _, scheme := range []string{"https", "http"} {
		origin := &url.URL{Scheme: scheme, Host: host}
		doc, base, err := fetchFromOrigin(ctx, f, origin, host)
		if err == nil {
			return doc, base, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, "", lastErr
}

func fetchFromOrigin(ctx context.Context, f *fetcher.Fetcher, origin *url.URL, host string) (*NodeInfo, string, error) {
	var index discoveryIndex
	if err := f.GetJSON(ctx, origin.String()+WellKnownPath, &index); err != nil {
		return nil, "", err
	}
	links := SelectLinks(index.Links)
	if len(links) == 0 {
		return nil, "", &fetcher.Error{
			Kind: model.FailMalformedBody,
			URL:  origin.String() + WellKnownPath,
			Err:  fmt.Errorf("no supported nodeinfo links"),
		}
	}

	var lastErr error
	for _, link := range links {
		ref, err := url.Parse(link.Href)
		if err != nil {
			lastErr = &fetcher.Error{Kind: model.FailMalformedBody, URL: link.Href, Err: err}
			continue
		}
		target := origin.ResolveReference(ref)
		if !hostname.SameZone(target.Hostname(), host) {
			lastErr = &fetcher.Error{Kind: model.FailUnsafeURL, URL: target.String(), Err: fmt.Errorf("link leaves host zone")}
			continue
		}

		var doc NodeInfo
		if err := f.GetJSON(ctx, target.String(), &doc); err != nil {
			lastErr = err
			continue
		}
		if doc.Fields().Empty() {
			lastErr = &fetcher.Error{Kind: model.FailMalformedBody, URL: target.String(), Err: fmt.Errorf("document has no usable fields")}
			continue
		}
		base := (&url.URL{Scheme: target.Scheme, Host: target.Host}).String()
		return &doc, base, nil
	}
	return nil, "", lastErr
}
