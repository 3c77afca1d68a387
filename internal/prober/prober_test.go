package prober

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"fedlist/internal/fetcher"
	"fedlist/internal/model"
)

// routeClient answers requests from a "METHOD URL" table; anything else is a 404.
type routeClient struct {
	routes map[string]string
	calls  []string
}

func (c *routeClient) Do(req *http.Request) (*http.Response, error) {
	key := req.Method + " " + req.URL.String()
	c.calls = append(c.calls, key)
	body, ok := c.routes[key]
	if !ok {
		return &http.Response{
			StatusCode: http.StatusNotFound,
			Header:     http.Header{"Content-Type": []string{"text/plain"}},
			Body:       io.NopCloser(bytes.NewBufferString("not found")),
		}, nil
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewBufferString(body)),
	}, nil
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestProber(routes map[string]string) (*Prober, *routeClient) {
	c := &routeClient{routes: routes}
	p := New(fetcher.New(c, time.Second))
	p.SetClock(func() time.Time { return fixedNow })
	return p, c
}

func ptr[T any](v T) *T { return &v }

const wellKnown = `{"links":[
	{"rel":"http://nodeinfo.diaspora.software/ns/schema/2.0","href":"https://example.social/nodeinfo/2.0"},
	{"rel":"http://nodeinfo.diaspora.software/ns/schema/2.1","href":"/nodeinfo/2.1"}
]}`

func TestProbe(t *testing.T) {
	tests := []struct {
		name     string
		host     string
		platform string
		routes   map[string]string
		want     model.StatsRecord
	}{
		{
			name: "nodeinfo 2.1 preferred",
			host: "https://Example.Social/",
			routes: map[string]string{
				"GET https://example.social/.well-known/nodeinfo": wellKnown,
				"GET https://example.social/nodeinfo/2.1": `{
					"software":{"name":"mastodon","version":"4.2.1"},
					"openRegistrations":true,
					"usage":{"users":{"total":120,"activeMonth":"30"},"localPosts":5000,"languages":["en","DE","en"]}
				}`,
			},
			want: model.StatsRecord{
				Host:                "example.social",
				VerifiedActivityPub: true,
				Software:            &model.Software{Name: "mastodon", Version: "4.2.1"},
				OpenRegistrations:   ptr(true),
				UsersTotal:          ptr[int64](120),
				UsersActiveMonth:    ptr[int64](30),
				Statuses:            ptr[int64](5000),
				LanguagesDetected:   []string{"en", "de"},
				FetchedAt:           fixedNow,
			},
		},
		{
			name: "falls back to mastodon v2",
			host: "example.social",
			routes: map[string]string{
				"GET https://example.social/api/v2/instance": `{
					"domain":"example.social","version":"4.2.0",
					"usage":{"users":{"active_month":10}},
					"registrations":{"enabled":false},
					"languages":["en"]
				}`,
			},
			want: model.StatsRecord{
				Host:                "example.social",
				VerifiedActivityPub: true,
				Software:            &model.Software{Name: "mastodon", Version: "4.2.0"},
				OpenRegistrations:   ptr(false),
				UsersActiveMonth:    ptr[int64](10),
				LanguagesDetected:   []string{"en"},
				FetchedAt:           fixedNow,
			},
		},
		{
			name: "falls back to mastodon v1 with compatible version",
			host: "pleroma.example",
			routes: map[string]string{
				"GET https://pleroma.example/api/v1/instance": `{
					"uri":"pleroma.example","version":"2.7.2 (compatible; Pleroma 2.5.0)",
					"registrations":true,
					"stats":{"user_count":42,"status_count":"900"}
				}`,
			},
			want: model.StatsRecord{
				Host:                "pleroma.example",
				VerifiedActivityPub: true,
				Software:            &model.Software{Name: "pleroma", Version: "2.5.0"},
				OpenRegistrations:   ptr(true),
				UsersTotal:          ptr[int64](42),
				Statuses:            ptr[int64](900),
				LanguagesDetected:   []string{},
				FetchedAt:           fixedNow,
			},
		},
		{
			name:     "misskey meta",
			host:     "misskey.example",
			platform: "misskey",
			routes: map[string]string{
				"POST https://misskey.example/api/meta": `{
					"name":"Example Misskey","version":"2024.3.1","uri":"https://misskey.example",
					"disableRegistration":true,"langs":["ja"],
					"stats":{"originalUsersCount":50,"originalNotesCount":1000}
				}`,
			},
			want: model.StatsRecord{
				Host:                "misskey.example",
				VerifiedActivityPub: true,
				Software:            &model.Software{Name: "misskey", Version: "2024.3.1"},
				OpenRegistrations:   ptr(false),
				UsersTotal:          ptr[int64](50),
				Statuses:            ptr[int64](1000),
				LanguagesDetected:   []string{"ja"},
				FetchedAt:           fixedNow,
			},
		},
		{
			name:   "everything fails",
			host:   "down.example",
			routes: map[string]string{},
			want: model.StatsRecord{
				Host:              "down.example",
				LanguagesDetected: []string{},
				FetchedAt:         fixedNow,
				FailureReason: &model.FailureReason{
					Step:    StepSoftware,
					Kind:    model.FailHTTPStatus,
					Message: "misskey: http_status https://down.example/api/meta: unexpected status 404",
				},
			},
		},
		{
			name: "anomalous active users",
			host: "example.social",
			routes: map[string]string{
				"GET https://example.social/.well-known/nodeinfo": wellKnown,
				"GET https://example.social/nodeinfo/2.1":         `{"software":{"name":"mastodon"},"usage":{"users":{"total":10,"activeMonth":100}}}`,
			},
			want: model.StatsRecord{
				Host:              "example.social",
				Software:          &model.Software{Name: "mastodon"},
				UsersTotal:        ptr[int64](10),
				UsersActiveMonth:  ptr[int64](100),
				LanguagesDetected: []string{},
				FetchedAt:         fixedNow,
				FailureReason: &model.FailureReason{
					Step:    StepAssess,
					Kind:    model.FailAnomalous,
					Message: "active users exceed total: 100/10",
				},
			},
		},
		{
			name: "verified without metrics",
			host: "example.social",
			routes: map[string]string{
				"GET https://example.social/.well-known/nodeinfo": wellKnown,
				"GET https://example.social/nodeinfo/2.1":         `{"software":{"name":"gotosocial","version":"0.15.0"}}`,
			},
			want: model.StatsRecord{
				Host:              "example.social",
				Software:          &model.Software{Name: "gotosocial", Version: "0.15.0"},
				LanguagesDetected: []string{},
				FetchedAt:         fixedNow,
				FailureReason: &model.FailureReason{
					Step:    StepAssess,
					Kind:    model.FailNoMetrics,
					Message: "verified but no user or status counters",
				},
			},
		},
		{
			name: "nodeinfo with array metadata",
			host: "php.example",
			routes: map[string]string{
				"GET https://php.example/.well-known/nodeinfo": `{"links":[{"rel":"http://nodeinfo.diaspora.software/ns/schema/2.0","href":"https://php.example/nodeinfo/2.0"}]}`,
				"GET https://php.example/nodeinfo/2.0": `{
					"software":{"name":"friendica","version":"2024.03"},
					"openRegistrations":false,
					"usage":{"users":{"total":42,"activeMonth":7},"localPosts":1000},
					"metadata":[]
				}`,
			},
			want: model.StatsRecord{
				Host:                "php.example",
				VerifiedActivityPub: true,
				Software:            &model.Software{Name: "friendica", Version: "2024.03"},
				OpenRegistrations:   ptr(false),
				UsersTotal:          ptr[int64](42),
				UsersActiveMonth:    ptr[int64](7),
				Statuses:            ptr[int64](1000),
				LanguagesDetected:   []string{},
				FetchedAt:           fixedNow,
			},
		},
		{
			name: "canonical host in same zone",
			host: "example.org",
			routes: map[string]string{
				"GET https://example.org/.well-known/nodeinfo": `{"links":[{"rel":"https://nodeinfo.diaspora.software/ns/schema/2.0","href":"https://social.example.org/nodeinfo/2.0"}]}`,
				"GET https://social.example.org/nodeinfo/2.0":  `{"usage":{"users":{"total":5}}}`,
			},
			want: model.StatsRecord{
				Host:                "social.example.org",
				VerifiedActivityPub: true,
				UsersTotal:          ptr[int64](5),
				LanguagesDetected:   []string{},
				FetchedAt:           fixedNow,
				RedirectedFrom:      "example.org",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestProber(tt.routes)
			got := p.Probe(context.Background(), tt.host, tt.platform)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("record mismatch (-want +got):\n%s", diff)
			}
			if got.VerifiedActivityPub == (got.FailureReason != nil) {
				t.Errorf("verified=%v with failure reason %v", got.VerifiedActivityPub, got.FailureReason)
			}
		})
	}
}

func TestProbeStopsAtFirstSuccess(t *testing.T) {
	p, c := newTestProber(map[string]string{
		"GET https://example.social/.well-known/nodeinfo": wellKnown,
		"GET https://example.social/nodeinfo/2.1":         `{"usage":{"users":{"total":1}}}`,
	})
	p.Probe(context.Background(), "example.social", "mastodon")

	want := []string{
		"GET https://example.social/.well-known/nodeinfo",
		"GET https://example.social/nodeinfo/2.1",
	}
	if diff := cmp.Diff(want, c.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestProbeRejectsCrossZoneLink(t *testing.T) {
	p, c := newTestProber(map[string]string{
		"GET https://example.org/.well-known/nodeinfo": `{"links":[{"rel":"http://nodeinfo.diaspora.software/ns/schema/2.0","href":"https://tracker.example.net/nodeinfo"}]}`,
		"GET https://tracker.example.net/nodeinfo":     `{"usage":{"users":{"total":5}}}`,
	})
	got := p.Probe(context.Background(), "example.org", "")

	if got.VerifiedActivityPub {
		t.Fatal("cross-zone document was accepted")
	}
	for _, call := range c.calls {
		if call == "GET https://tracker.example.net/nodeinfo" {
			t.Error("cross-zone link was fetched")
		}
	}
}

func TestProbeEmptyHost(t *testing.T) {
	p, c := newTestProber(nil)
	got := p.Probe(context.Background(), "   ", "")
	if got.FailureReason == nil || got.VerifiedActivityPub {
		t.Fatalf("want failure, got %+v", got)
	}
	if len(c.calls) != 0 {
		t.Errorf("unexpected requests: %v", c.calls)
	}
}

func TestAssess(t *testing.T) {
	tests := []struct {
		name string
		rec  model.StatsRecord
		want model.FailureKind
	}{
		{name: "plausible", rec: model.StatsRecord{UsersTotal: ptr[int64](100), UsersActiveMonth: ptr[int64](150), Statuses: ptr[int64](1000)}},
		{name: "zero total ignores ratio", rec: model.StatsRecord{UsersTotal: ptr[int64](0), UsersActiveMonth: ptr[int64](5)}},
		{name: "negative statuses", rec: model.StatsRecord{Statuses: ptr[int64](-1)}, want: model.FailAnomalous},
		{name: "absurd statuses per user", rec: model.StatsRecord{UsersTotal: ptr[int64](1), Statuses: ptr[int64](50_001)}, want: model.FailAnomalous},
		{name: "active above factor", rec: model.StatsRecord{UsersTotal: ptr[int64](100), UsersActiveMonth: ptr[int64](151)}, want: model.FailAnomalous},
		{name: "no metrics", rec: model.StatsRecord{Software: &model.Software{Name: "mastodon"}}, want: model.FailNoMetrics},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got model.FailureKind
			if r := Assess(tt.rec); r != nil {
				got = r.Kind
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("kind mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
