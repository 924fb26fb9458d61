package phantom_probe

import (
	"io"
	"os"
	"path/filepath"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// RunMetrics renders a run as Prometheus metric families.
func RunMetrics(result SequenceResult) []*dto.MetricFamily {
	success := 0.0
	if result.Success {
		success = 1
	}

	outcome := &dto.MetricFamily{
		Name: proto.String("probe_step_outcome"),
		Help: proto.String("1 for the outcome each attempted waypoint ended with."),
		Type: dto.MetricType_GAUGE.Enum(),
	}
	duration := &dto.MetricFamily{
		Name: proto.String("probe_step_duration_seconds"),
		Help: proto.String("Time spent on each attempted waypoint."),
		Type: dto.MetricType_GAUGE.Enum(),
	}
	for _, step := range result.Steps {
		outcome.Metric = append(outcome.Metric, gauge(1,
			label("waypoint", step.Waypoint.Name), label("outcome", step.Outcome.String())))
		duration.Metric = append(duration.Metric, gauge(step.Elapsed.Seconds(),
			label("waypoint", step.Waypoint.Name)))
	}

	families := []*dto.MetricFamily{
		{
			Name:   proto.String("probe_sequence_success"),
			Help:   proto.String("1 if every waypoint of the last run completed."),
			Type:   dto.MetricType_GAUGE.Enum(),
			Metric: []*dto.Metric{gauge(success, label("run_id", result.RunID), label("state", result.State.String()))},
		},
		{
			Name:   proto.String("probe_sequence_steps"),
			Help:   proto.String("Waypoints attempted in the last run."),
			Type:   dto.MetricType_GAUGE.Enum(),
			Metric: []*dto.Metric{gauge(float64(len(result.Steps)), label("run_id", result.RunID))},
		},
	}
	if len(result.Steps) > 0 {
		families = append(families, outcome, duration)
	}
	return families
}

// WriteRunMetrics writes the run in the Prometheus text format.
func WriteRunMetrics(w io.Writer, result SequenceResult) error {
	for _, mf := range RunMetrics(result) {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// WriteRunMetricsFile replaces path atomically, as the node exporter textfile
// collector expects.
func WriteRunMetricsFile(path string, result SequenceResult) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".probe-metrics-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := WriteRunMetrics(tmp, result); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func gauge(v float64, labels ...*dto.LabelPair) *dto.Metric {
	return &dto.Metric{Label: labels, Gauge: &dto.Gauge{Value: proto.Float64(v)}}
}

func label(name, value string) *dto.LabelPair {
	return &dto.LabelPair{Name: proto.String(name), Value: proto.String(value)}
}
