package telemetry

import (
	"log/slog"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
)

// Label is a key shared by structured logs and metrics so both can be
// correlated.
type Label string

var (
	LabelError      Label = "error"
	LabelPeerAddr   Label = "peer_addr"
	LabelPeerName   Label = "peer_name"
	LabelClient     Label = "client"
	LabelPromiseID  Label = "promise_id"
	LabelProtocol   Label = "protocol"
	LabelFunction   Label = "function"
	LabelFrameKind  Label = "frame_kind"
	LabelUpdateType Label = "update_type"
	LabelAlgorithm  Label = "algorithm"
	LabelSource     Label = "source"
	LabelService    Label = "service"
	LabelChannel    Label = "channel"
	LabelWorker     Label = "worker"
	LabelDuration   Label = "duration"
	LabelBytes      Label = "bytes"
	LabelNodeName   Label = "node_name"
	LabelNodeAddr   Label = "node_addr"
	LabelEventName  Label = "event_name"
)

func (lab Label) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab Label) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// Since is a shortcut to log elapsed durations.
func Since(start time.Time) slog.Attr {
	return LabelDuration.L(time.Since(start))
}

// With appends extra labels to a static set without aliasing the
// backing array of the static set.
func With(static []metrics.Label, extra ...metrics.Label) []metrics.Label {
	labels := make([]metrics.Label, 0, len(static)+len(extra))
	labels = append(labels, static...)
	return append(labels, extra...)
}

// Logger builds a logger from an optional handler, falling back to the
// default one.
func Logger(handler slog.Handler) *slog.Logger {
	if handler == nil {
		return slog.Default()
	}
	return slog.New(handler)
}

// Sink falls back to the global go-metrics sink.
func Sink(sink metrics.MetricSink) metrics.MetricSink {
	if sink == nil {
		return metrics.Default()
	}
	return sink
}

// Legacy translates labels for libraries still emitting through
// armon/go-metrics, such as memberlist and serf.
func Legacy(labels []metrics.Label) []leg_metrics.Label {
	if labels == nil {
		return nil
	}
	translated := make([]leg_metrics.Label, len(labels))
	for i, label := range labels {
		translated[i] = leg_metrics.Label{
			Name:  label.Name,
			Value: label.Value,
		}
	}
	return translated
}
