// Package model defines the domain types used across the application.
package model

import (
	"fmt"
	"time"

	"fedlist/internal/hostname"
)

// Instance is a curated directory entry. The pipeline never modifies it.
type Instance struct {
	Name        string   `json:"name" yaml:"name" validate:"required"`
	Host        string   `json:"host,omitempty" yaml:"host" validate:"required_without=URL"`
	URL         string   `json:"url,omitempty" yaml:"url" validate:"omitempty,url"`
	Platform    string   `json:"platform" yaml:"platform" validate:"required"`
	Description string   `json:"description" yaml:"description" validate:"required"`
	Languages   []string `json:"languages,omitempty" yaml:"languages" validate:"dive,lowercase"`
}

// Key returns the normalized host used to join the instance with its stats.
func (i Instance) Key() string {
	if h := hostname.Normalize(i.Host); h != "" {
		return h
	}
	return hostname.Normalize(i.URL)
}

// Target is one worklist entry for the collector.
type Target struct {
	Host     string `json:"host"`
	Platform string `json:"platform,omitempty"`
}

// Software identifies the server software reported by an instance.
type Software struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// FailureKind classifies why a probe ended in the bad partition.
type FailureKind string

// Supported failure kinds.
const (
	FailTimeout       FailureKind = "timeout"
	FailUnreachable   FailureKind = "unreachable"
	FailHTTPStatus    FailureKind = "http_status"
	FailMalformedBody FailureKind = "malformed_body"
	FailUnsafeURL     FailureKind = "unsafe_redirect"
	FailNoMetrics     FailureKind = "no_metrics"
	FailAnomalous     FailureKind = "anomalous_stats"
)

// FailureReason records the step that failed and why.
type FailureReason struct {
	Step    string      `json:"step"`
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

func (f FailureReason) String() string {
	return fmt.Sprintf("%s: %s: %s", f.Step, f.Kind, f.Message)
}

// StatsRecord is the canonical probe outcome for one host.
type StatsRecord struct {
	Host                string         `json:"host"`
	VerifiedActivityPub bool           `json:"verified_activitypub"`
	Software            *Software      `json:"software,omitempty"`
	OpenRegistrations   *bool          `json:"open_registrations"`
	UsersTotal          *int64         `json:"users_total"`
	UsersActiveMonth    *int64         `json:"users_active_month"`
	Statuses            *int64         `json:"statuses"`
	LanguagesDetected   []string       `json:"languages_detected"`
	FetchedAt           time.Time      `json:"fetched_at"`
	RedirectedFrom      string         `json:"redirected_from,omitempty"`
	FailureReason       *FailureReason `json:"failure_reason,omitempty"`
}

// Partition names one of the two mutually exclusive result sets.
type Partition string

// Supported partitions.
const (
	PartitionOK  Partition = "ok"
	PartitionBad Partition = "bad"
)

// Other returns the opposite partition.
func (p Partition) Other() Partition {
	if p == PartitionOK {
		return PartitionBad
	}
	return PartitionOK
}

// PartitionOf returns the partition a record belongs to.
func PartitionOf(r StatsRecord) Partition {
	if r.VerifiedActivityPub && r.FailureReason == nil {
		return PartitionOK
	}
	return PartitionBad
}

// HasMetrics reports whether at least one counter is known.
func (r StatsRecord) HasMetrics() bool {
	return r.UsersTotal != nil || r.UsersActiveMonth != nil || r.Statuses != nil
}

// DiscoveryMethod says how a peer candidate was found.
type DiscoveryMethod string

// Supported discovery methods.
const (
	DiscoveredNodeInfo DiscoveryMethod = "nodeinfo_metadata"
	DiscoveredMastodon DiscoveryMethod = "mastodon_peers"
	DiscoveredMisskey  DiscoveryMethod = "misskey_federation"
	DiscoveredAnnounce DiscoveryMethod = "announcement_feed"
)

// PeerCandidate is a host found through federation links of a known host.
type PeerCandidate struct {
	Host            string          `json:"host"`
	DiscoveredFrom  string          `json:"discovered_from"`
	DiscoveryMethod DiscoveryMethod `json:"discovery_method"`
}

// RejectReason is the closed set of spam filter outcomes.
type RejectReason string

// Supported rejection reasons, in rule evaluation order.
const (
	RejectInvalidHost     RejectReason = "invalid_host"
	RejectBlocklist       RejectReason = "blocklist"
	RejectSuspiciousTLD   RejectReason = "suspicious_tld"
	RejectSpamKeyword     RejectReason = "spam_keyword"
	RejectNumericPattern  RejectReason = "numeric_pattern"
	RejectRepeatedPattern RejectReason = "repeated_pattern"
	RejectPriorFailure    RejectReason = "prior_failure"
	RejectAnomalousStats  RejectReason = "anomalous_stats"
)

// RejectionLogEntry records why a candidate was excluded.
type RejectionLogEntry struct {
	Host   string       `json:"host"`
	Reason RejectReason `json:"reason"`
}

// Run summarizes one collection run.
type Run struct {
	ID         string    `json:"id"`
	Command    string    `json:"command"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Processed  int       `json:"processed"`
	OK         int       `json:"ok"`
	Bad        int       `json:"bad"`
	Moved      int       `json:"moved"`
	Unchanged  int       `json:"unchanged"`
	Skipped    int       `json:"skipped"`
}
