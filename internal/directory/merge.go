// Package directory joins curated instances with collected statistics into
// the rows rendered by the public directory.
package directory

import (
	"sort"
	"strings"

	"fedlist/internal/hostname"
	"fedlist/internal/model"
)

// Row is one directory entry. Curated rows carry the instance fields;
// auto rows exist only because a host has statistics.
type Row struct {
	Host        string             `json:"host"`
	Name        string             `json:"name"`
	URL         string             `json:"url,omitempty"`
	Platform    string             `json:"platform,omitempty"`
	Description string             `json:"description,omitempty"`
	Languages   []string           `json:"languages,omitempty"`
	Auto        bool               `json:"auto"`
	Stats       *model.StatsRecord `json:"stats"`
}

// Verified reports whether the row has a matching verified record.
func (r Row) Verified() bool {
	return r.Stats != nil && r.Stats.VerifiedActivityPub
}

// Merge joins instances with stats on the normalized host. Curated rows
// keep their input order; instances without a usable host get nil stats.
// Stats for hosts no instance names are appended as auto rows sorted by
// host. When stats holds a host twice, the first record wins.
func Merge(instances []model.Instance, stats []model.StatsRecord) []Row {
	byHost := make(map[string]*model.StatsRecord, len(stats))
	for i := range stats {
		h := hostname.Normalize(stats[i].Host)
		if h == "" {
			continue
		}
		if _, ok := byHost[h]; !ok {
			byHost[h] = &stats[i]
		}
	}

	rows := make([]Row, 0, len(instances)+len(stats))
	curated := hostname.NewSet()
	for _, inst := range instances {
		key := inst.Key()
		row := Row{
			Host:        key,
			Name:        inst.Name,
			URL:         inst.URL,
			Platform:    inst.Platform,
			Description: inst.Description,
			Languages:   inst.Languages,
		}
		if key != "" {
			row.Stats = byHost[key]
			curated[key] = struct{}{}
		}
		rows = append(rows, row)
	}

	auto := make([]string, 0, len(byHost))
	for h := range byHost {
		if !curated.Has(h) {
			auto = append(auto, h)
		}
	}
	sort.Strings(auto)

	for _, h := range auto {
		rec := byHost[h]
		row := Row{Host: h, Name: h, URL: "https://" + h, Auto: true, Stats: rec}
		if rec.Software != nil {
			row.Platform = strings.ToLower(rec.Software.Name)
		}
		rows = append(rows, row)
	}
	return rows
}

// Query narrows a row list. Zero fields match everything.
type Query struct {
	Platform     string
	Language     string
	Text         string
	VerifiedOnly bool
}

// Filter returns the rows matching q, keeping their order.
func Filter(rows []Row, q Query) []Row {
	text := strings.ToLower(strings.TrimSpace(q.Text))
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		if q.VerifiedOnly && !r.Verified() {
			continue
		}
		if q.Platform != "" && !strings.EqualFold(r.Platform, q.Platform) {
			continue
		}
		if q.Language != "" && !hasLanguage(r, q.Language) {
			continue
		}
		if text != "" && !strings.Contains(strings.ToLower(r.Host+" "+r.Name+" "+r.Description), text) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func hasLanguage(r Row, lang string) bool {
	langs := r.Languages
	if r.Stats != nil {
		langs = append(append([]string{}, langs...), r.Stats.LanguagesDetected...)
	}
	for _, l := range langs {
		if strings.EqualFold(l, lang) {
			return true
		}
	}
	return false
}
