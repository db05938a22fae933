// Package monitor collects the bridge's operational metrics and
// exposes them through a Prometheus exporter.
package monitor

import (
	"context"

	"contrib.go.opencensus.io/exporter/prometheus"
	rprom "github.com/prometheus/client_golang/prometheus"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"

	"github.com/hlsbridge/go-hlsbridge/clog"
)

// Enabled gates all metric emission. Call sites guard on it so the
// census machinery stays cold when monitoring is off.
var Enabled bool

// Exporter serves the /metrics scrape endpoint once InitCensus ran.
var Exporter *prometheus.Exporter

type censusMetricsCounter struct {
	NodeID   string
	ctx      context.Context
	kNodeID  tag.Key
	kVersion tag.Key

	mStreamsStarted  *stats.Int64Measure
	mStreamsEnded    *stats.Int64Measure
	mStartAttempts   *stats.Int64Measure
	mStartFailures   *stats.Int64Measure
	mRestarts        *stats.Int64Measure
	mTranscoderExits *stats.Int64Measure
	mPlaylistReady   *stats.Int64Measure
	mCurrentSessions *stats.Int64Measure
}

var census censusMetricsCounter

// InitCensus registers the bridge's measures and views and wires the
// Prometheus exporter. nodeID and version become constant tags on
// every series.
func InitCensus(nodeID, version string) {
	census = censusMetricsCounter{
		NodeID: nodeID,
	}
	var err error
	ctx := context.Background()
	census.kNodeID = tag.MustNewKey("node_id")
	census.kVersion = tag.MustNewKey("version")
	census.ctx, err = tag.New(ctx,
		tag.Insert(census.kNodeID, nodeID),
		tag.Insert(census.kVersion, version),
	)
	if err != nil {
		clog.Fatalf(ctx, "Error creating monitor tag context: %v", err)
	}

	census.mStreamsStarted = stats.Int64("streams_started_total", "Conversions started", "tot")
	census.mStreamsEnded = stats.Int64("streams_ended_total", "Conversions ended", "tot")
	census.mStartAttempts = stats.Int64("start_attempts_total", "Start attempts including failed ones", "tot")
	census.mStartFailures = stats.Int64("start_failures_total", "Start attempts that failed", "tot")
	census.mRestarts = stats.Int64("restarts_total", "Operator initiated restarts", "tot")
	census.mTranscoderExits = stats.Int64("transcoder_exits_total", "Unexpected transcoder exits", "tot")
	census.mPlaylistReady = stats.Int64("playlist_ready_total", "Playlists that became live", "tot")
	census.mCurrentSessions = stats.Int64("current_sessions", "Currently running conversions", "tot")

	registry := rprom.NewRegistry()
	registry.MustRegister(rprom.NewProcessCollector(rprom.ProcessCollectorOpts{}))
	registry.MustRegister(rprom.NewGoCollector())
	Exporter, err = prometheus.NewExporter(prometheus.Options{
		Namespace: "hlsbridge",
		Registry:  registry,
	})
	if err != nil {
		clog.Fatalf(ctx, "Error creating monitor exporter: %v", err)
	}

	baseTags := []tag.Key{census.kNodeID, census.kVersion}
	counter := func(m *stats.Int64Measure, desc string) *view.View {
		return &view.View{
			Name:        m.Name(),
			Measure:     m,
			Description: desc,
			TagKeys:     baseTags,
			Aggregation: view.Count(),
		}
	}
	views := []*view.View{
		counter(census.mStreamsStarted, "Conversions started"),
		counter(census.mStreamsEnded, "Conversions ended"),
		counter(census.mStartAttempts, "Start attempts including failed ones"),
		counter(census.mStartFailures, "Start attempts that failed"),
		counter(census.mRestarts, "Operator initiated restarts"),
		counter(census.mTranscoderExits, "Unexpected transcoder exits"),
		counter(census.mPlaylistReady, "Playlists that became live"),
		{
			Name:        census.mCurrentSessions.Name(),
			Measure:     census.mCurrentSessions,
			Description: "Currently running conversions",
			TagKeys:     baseTags,
			Aggregation: view.Sum(),
		},
	}
	if err := view.Register(views...); err != nil {
		clog.Fatalf(ctx, "Error registering monitor views: %v", err)
	}
	view.RegisterExporter(Exporter)

	Enabled = true
}

func StreamStarted() {
	stats.Record(census.ctx, census.mStreamsStarted.M(1), census.mCurrentSessions.M(1))
}

func StreamEnded() {
	stats.Record(census.ctx, census.mStreamsEnded.M(1), census.mCurrentSessions.M(-1))
}

func StartAttempt() {
	stats.Record(census.ctx, census.mStartAttempts.M(1))
}

func StartFailed() {
	stats.Record(census.ctx, census.mStartFailures.M(1))
}

func Restarted() {
	stats.Record(census.ctx, census.mRestarts.M(1))
}

func TranscoderExited(err error) {
	stats.Record(census.ctx, census.mTranscoderExits.M(1))
}

func PlaylistReady() {
	stats.Record(census.ctx, census.mPlaylistReady.M(1))
}
