package prober

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"fedlist/internal/fetcher"
	"fedlist/internal/model"
)

// Family is the closed set of software-specific fallback endpoints.
type Family string

// Supported families, in default fallback order.
const (
	FamilyMastodonV2 Family = "mastodon_v2"
	FamilyMastodonV1 Family = "mastodon_v1"
	FamilyMisskey    Family = "misskey"
)

// Extractor fetches one software-specific endpoint and maps its response
// into the canonical field set.
type Extractor interface {
	Family() Family
	Extract(ctx context.Context, f *fetcher.Fetcher, base string) (Fields, error)
}

// Extractors returns the fallback chain, reordered for a platform hint
// so that the likely family is tried first.
func Extractors(platform string) []Extractor {
	mastodon := []Extractor{mastodonV2{}, mastodonV1{}}
	misskey := []Extractor{misskeyMeta{}}
	if IsMisskeyLike(platform) {
		return append(misskey, mastodon...)
	}
	return append(mastodon, misskey...)
}

// IsMastodonLike reports whether a software name belongs to the Mastodon API family.
func IsMastodonLike(name string) bool {
	n := strings.ToLower(name)
	for _, k := range []string{"mastodon", "hometown", "glitch", "pleroma", "akkoma", "gotosocial"} {
		if strings.Contains(n, k) {
			return true
		}
	}
	return false
}

// IsMisskeyLike reports whether a software name belongs to the Misskey API family.
func IsMisskeyLike(name string) bool {
	n := strings.ToLower(name)
	for _, k := range []string{"misskey", "calckey", "firefish", "sharkey", "iceshrimp", "foundkey", "cherrypick"} {
		if strings.Contains(n, k) {
			return true
		}
	}
	return false
}

type mastodonInstance struct {
	URI     string `json:"uri"`
	Domain  string `json:"domain"`
	Version string `json:"version"`

	// v2
	Usage struct {
		Users struct {
			ActiveMonth      flexInt `json:"active_month"`
			ActiveMonthCamel flexInt `json:"activeMonth"`
			Total            flexInt `json:"total"`
		} `json:"users"`
		LocalPosts flexInt `json:"localPosts"`
	} `json:"usage"`
	Registrations registrations `json:"registrations"`

	// v1
	Stats struct {
		UserCount   flexInt `json:"user_count"`
		StatusCount flexInt `json:"status_count"`
		ActiveMonth flexInt `json:"active_month"`
	} `json:"stats"`

	Languages flexStrings `json:"languages"`
	Software  *struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"software"`
}

// registrations is a bool in v1 and an object in v2.
type registrations struct{ v *bool }

func (r *registrations) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if strings.HasPrefix(s, "{") {
		var obj struct {
			Enabled flexBool `json:"enabled"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return nil
		}
		r.v = obj.Enabled.ptr()
		return nil
	}
	var fb flexBool
	_ = fb.UnmarshalJSON(b)
	r.v = fb.ptr()
	return nil
}

func (m *mastodonInstance) fields() Fields {
	f := Fields{
		OpenRegistrations: m.Registrations.v,
		UsersTotal:        firstInt(m.Usage.Users.Total, m.Stats.UserCount),
		UsersActiveMonth:  firstInt(m.Usage.Users.ActiveMonth, m.Usage.Users.ActiveMonthCamel, m.Stats.ActiveMonth),
		Statuses:          firstInt(m.Usage.LocalPosts, m.Stats.StatusCount),
		Languages:         m.Languages,
	}
	switch {
	case m.Software != nil && m.Software.Name != "":
		f.Software = &model.Software{Name: strings.ToLower(m.Software.Name), Version: m.Software.Version}
	case m.Version != "":
		f.Software = parseMastodonVersion(m.Version)
	}
	return f
}

// parseMastodonVersion splits "2.7.2 (compatible; Pleroma 2.5.0)" style
// strings; a plain version means Mastodon itself.
func parseMastodonVersion(v string) *model.Software {
	if i := strings.Index(v, "(compatible;"); i >= 0 {
		inner := strings.TrimSuffix(strings.TrimSpace(v[i+len("(compatible;"):]), ")")
		name, version, _ := strings.Cut(strings.TrimSpace(inner), " ")
		if name != "" {
			return &model.Software{Name: strings.ToLower(name), Version: strings.TrimSpace(version)}
		}
	}
	return &model.Software{Name: "mastodon", Version: strings.TrimSpace(v)}
}

func (m *mastodonInstance) valid() bool {
	return m.Version != "" && (m.URI != "" || m.Domain != "")
}

type mastodonV2 struct{}

func (mastodonV2) Family() Family { return FamilyMastodonV2 }

func (mastodonV2) Extract(ctx context.Context, f *fetcher.Fetcher, base string) (Fields, error) {
	return fetchMastodon(ctx, f, base+"/api/v2/instance")
}

type mastodonV1 struct{}

func (mastodonV1) Family() Family { return FamilyMastodonV1 }

func (mastodonV1) Extract(ctx context.Context, f *fetcher.Fetcher, base string) (Fields, error) {
	return fetchMastodon(ctx, f, base+"/api/v1/instance")
}

func fetchMastodon(ctx context.Context, f *fetcher.Fetcher, u string) (Fields, error) {
	var inst mastodonInstance
	if err := f.GetJSON(ctx, u, &inst); err != nil {
		return Fields{}, err
	}
	if !inst.valid() {
		return Fields{}, &fetcher.Error{Kind: model.FailMalformedBody, URL: u, Err: fmt.Errorf("not an instance document")}
	}
	return inst.fields(), nil
}

type misskeyMeta struct{}

type misskeyMetaResponse struct {
	Name                string      `json:"name"`
	Version             string      `json:"version"`
	SoftwareName        string      `json:"softwareName"`
	URI                 string      `json:"uri"`
	DisableRegistration flexBool    `json:"disableRegistration"`
	Langs               flexStrings `json:"langs"`
	Stats               struct {
		OriginalUsersCount flexInt `json:"originalUsersCount"`
		UsersCount         flexInt `json:"usersCount"`
		MonthlyActiveUsers flexInt `json:"monthlyActiveUsers"`
		ActiveUsers        flexInt `json:"activeUsers"`
		OriginalNotesCount flexInt `json:"originalNotesCount"`
		NotesCount         flexInt `json:"notesCount"`
	} `json:"stats"`
}

func (misskeyMeta) Family() Family { return FamilyMisskey }

func (misskeyMeta) Extract(ctx context.Context, f *fetcher.Fetcher, base string) (Fields, error) {
	u := base + "/api/meta"
	var meta misskeyMetaResponse
	if err := f.PostJSON(ctx, u, map[string]any{}, &meta); err != nil {
		return Fields{}, err
	}
	if meta.Version == "" || (meta.URI == "" && meta.Name == "") {
		return Fields{}, &fetcher.Error{Kind: model.FailMalformedBody, URL: u, Err: fmt.Errorf("not a meta document")}
	}

	name := strings.ToLower(meta.SoftwareName)
	if name == "" {
		name = "misskey"
	}
	out := Fields{
		Software:         &model.Software{Name: name, Version: meta.Version},
		UsersTotal:       firstInt(meta.Stats.OriginalUsersCount, meta.Stats.UsersCount),
		UsersActiveMonth: firstInt(meta.Stats.MonthlyActiveUsers, meta.Stats.ActiveUsers),
		Statuses:         firstInt(meta.Stats.OriginalNotesCount, meta.Stats.NotesCount),
		Languages:        meta.Langs,
	}
	if d := meta.DisableRegistration.ptr(); d != nil {
		open := !*d
		out.OpenRegistrations = &open
	}
	return out, nil
}

func firstInt(values ...flexInt) *int64 {
	for _, v := range values {
		if v.v != nil {
			return v.v
		}
	}
	return nil
}
